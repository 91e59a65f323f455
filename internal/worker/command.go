package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
)

// DefaultAgentBinary is the coding-agent executable used when none is configured.
const DefaultAgentBinary = "opencode"

// AgentSpec builds the invocation `<binary> -m <provider/model> run <prompt>`.
func AgentSpec(binary string, ref model.Ref, prompt string, dir string, logPath string) (Spec, error) {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultAgentBinary
	}
	if ref.Provider == "" || ref.Name == "" {
		return Spec{}, errors.New("agent model is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return Spec{}, errors.New("agent prompt is required")
	}
	if strings.TrimSpace(dir) == "" {
		return Spec{}, errors.New("agent work directory is required")
	}
	return Spec{
		Command: binary,
		Args:    []string{"-m", ref.String(), "run", prompt},
		Dir:     dir,
		LogPath: logPath,
	}, nil
}

// LogFileName returns the run log name `<taskId>-<stageLower>-<epochMs>.log`.
func LogFileName(taskID string, current stage.Stage, startedAt time.Time) string {
	return fmt.Sprintf("%s-%s-%d.log", taskID, current.Lower(), startedAt.UnixMilli())
}
