// Tests for agent invocation helpers.
package worker

import (
	"reflect"
	"testing"
	"time"

	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
)

// TestAgentSpecBuildsInvocation ensures the agent receives the model flag and prompt.
func TestAgentSpecBuildsInvocation(t *testing.T) {
	spec, err := AgentSpec("", model.Ref{Provider: "anthropic", Name: "claude"}, "do it", "/work", "/logs/a.log")
	if err != nil {
		t.Fatalf("AgentSpec error: %v", err)
	}
	if spec.Command != DefaultAgentBinary {
		t.Fatalf("command = %q", spec.Command)
	}
	want := []string{"-m", "anthropic/claude", "run", "do it"}
	if !reflect.DeepEqual(spec.Args, want) {
		t.Fatalf("args = %v, want %v", spec.Args, want)
	}
	if spec.Dir != "/work" || spec.LogPath != "/logs/a.log" {
		t.Fatalf("unexpected spec %+v", spec)
	}
}

// TestAgentSpecValidates ensures missing inputs are rejected.
func TestAgentSpecValidates(t *testing.T) {
	ref := model.Ref{Provider: "p", Name: "m"}
	if _, err := AgentSpec("agent", model.Ref{}, "x", "/w", "l"); err == nil {
		t.Fatal("expected model error")
	}
	if _, err := AgentSpec("agent", ref, " ", "/w", "l"); err == nil {
		t.Fatal("expected prompt error")
	}
	if _, err := AgentSpec("agent", ref, "x", "", "l"); err == nil {
		t.Fatal("expected dir error")
	}
}

// TestLogFileName ensures log names are deterministic per run start.
func TestLogFileName(t *testing.T) {
	startedAt := time.UnixMilli(1792152000123)
	if got := LogFileName("T-1", stage.Implementation, startedAt); got != "T-1-implementation-1792152000123.log" {
		t.Fatalf("LogFileName = %q", got)
	}
}
