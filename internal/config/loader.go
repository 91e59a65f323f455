// Package config provides configuration loading helpers.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDirName   = ".config"
	configFileName      = "config.yaml"
	projectStateDirName = ".ncrew"
	appDirName          = "ncrew"
)

// Load resolves configuration from user defaults, project overrides, and CLI overrides.
// Later layers win key by key; nested maps merge and lists replace.
func Load(projectPath string, cliOverrides map[string]any, warn func(string)) (Config, error) {
	userPath, err := UserConfigPath()
	if err != nil {
		return Config{}, err
	}

	merged := map[string]any{}
	merged, err = mergeConfigLayer(merged, userPath, "user defaults")
	if err != nil {
		return Config{}, err
	}

	if projectPath != "" {
		merged, err = mergeConfigLayer(merged, ProjectConfigPath(projectPath), "project overrides")
		if err != nil {
			return Config{}, err
		}
	}

	if cliOverrides != nil {
		merged = mergeConfigMaps(merged, cliOverrides)
	}

	cfg := decodeConfig(merged, warn)
	return ApplyDefaults(cfg, warn), nil
}

// UserConfigPath resolves the user defaults path.
func UserConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(homeDir, userConfigDirName, appDirName, configFileName), nil
}

// ProjectConfigPath returns the project override path.
func ProjectConfigPath(projectPath string) string {
	return filepath.Join(projectPath, projectStateDirName, configFileName)
}

// mergeConfigLayer reads a config file and merges it into the base map.
func mergeConfigLayer(base map[string]any, path string, label string) (map[string]any, error) {
	layer, err := readConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("load %s config %s: %w", label, path, err)
	}
	return mergeConfigMaps(base, layer), nil
}

// readConfigFile parses a YAML mapping from the given path. An empty file is an empty layer.
func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	if document == nil {
		return map[string]any{}, nil
	}
	mapping, ok := document.(map[string]any)
	if !ok {
		return nil, errors.New("config document must be a mapping")
	}
	return mapping, nil
}

// mergeConfigMaps overlays override onto base and returns a merged map.
func mergeConfigMaps(base map[string]any, override map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	merged := cloneConfigMap(base)
	for key, value := range override {
		overrideMap, ok := value.(map[string]any)
		if !ok {
			merged[key] = value
			continue
		}
		if baseMap, ok := merged[key].(map[string]any); ok {
			merged[key] = mergeConfigMaps(baseMap, overrideMap)
			continue
		}
		merged[key] = cloneConfigMap(overrideMap)
	}
	return merged
}

// cloneConfigMap copies a map recursively to prevent aliasing.
func cloneConfigMap(values map[string]any) map[string]any {
	clone := make(map[string]any, len(values))
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			clone[key] = cloneConfigMap(nested)
			continue
		}
		clone[key] = value
	}
	return clone
}

// decodeConfig best-effort decodes a config map into the Config struct.
func decodeConfig(raw map[string]any, warn func(string)) Config {
	var cfg Config

	agent := toConfigMap(raw["agent"])
	cfg.Agent.Binary = parseString(agent["binary"])
	cfg.Agent.KillGraceSeconds = parseInt(agent["kill_grace_seconds"])

	cfg.Projects = parseProjects(raw["projects"], warn)

	paths := toConfigMap(raw["paths"])
	cfg.Paths.Tasks = parseString(paths["tasks"])
	cfg.Paths.History = parseString(paths["history"])
	cfg.Paths.Logs = parseString(paths["logs"])

	server := toConfigMap(raw["server"])
	cfg.Server.Addr = parseString(server["addr"])

	logCfg := toConfigMap(raw["log"])
	cfg.Log.Level = parseString(logCfg["level"])
	cfg.Log.Format = parseString(logCfg["format"])

	telemetry := toConfigMap(raw["telemetry"])
	cfg.Telemetry.Enabled = parseBool(telemetry["enabled"])
	cfg.Telemetry.Exporter = parseString(telemetry["exporter"])
	cfg.Telemetry.Endpoint = parseString(telemetry["endpoint"])
	cfg.Telemetry.ServiceName = parseString(telemetry["service_name"])

	promptCfg := toConfigMap(raw["prompt"])
	cfg.Prompt.StageTemplate = parseString(promptCfg["stage_template"])

	return cfg
}

// parseProjects reads the projects list, skipping entries that are not mappings.
func parseProjects(value any, warn func(string)) []Project {
	raw, ok := value.([]any)
	if !ok {
		if value != nil {
			emitWarning(warn, "invalid projects; expected a list")
		}
		return nil
	}
	projects := make([]Project, 0, len(raw))
	for index, item := range raw {
		entry := toConfigMap(item)
		if entry == nil {
			emitWarning(warn, fmt.Sprintf("invalid projects[%d]; expected a mapping", index))
			continue
		}
		projects = append(projects, Project{
			ID:             parseString(entry["id"]),
			Path:           parseString(entry["path"]),
			WorktreePrefix: parseString(entry["worktree_prefix"]),
			DefaultModel:   parseString(entry["default_model"]),
			AgentBinary:    parseString(entry["agent_binary"]),
		})
	}
	return projects
}

// toConfigMap asserts a value as map[string]any.
func toConfigMap(value any) map[string]any {
	if value == nil {
		return nil
	}
	typed, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return typed
}

// parseInt reads an integer from a YAML number.
func parseInt(value any) int {
	parsed, ok := parseIntValue(value)
	if !ok {
		return 0
	}
	return parsed
}

// parseIntValue converts supported numeric types into an int.
func parseIntValue(value any) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case uint64:
		return int(typed), true
	case float64:
		return floatToInt(typed)
	}
	return 0, false
}

// floatToInt converts a float64 to int when it represents an integer.
func floatToInt(value float64) (int, bool) {
	if math.Trunc(value) != value {
		return 0, false
	}
	return int(value), true
}

// parseBool reads a YAML boolean.
func parseBool(value any) bool {
	typed, ok := value.(bool)
	if !ok {
		return false
	}
	return typed
}

// parseString returns trimmed string values from config maps.
func parseString(value any) string {
	typed, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(typed)
}

// ParseOverrides turns dotted key=value pairs into a nested override map.
// Values are decoded as YAML scalars, so "5" is an int and "true" a bool.
func ParseOverrides(pairs []string) (map[string]any, error) {
	overrides := map[string]any{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q; expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode override %s: %w", key, err)
		}
		if value == nil {
			value = raw
		}

		parts := strings.Split(key, ".")
		current := overrides
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = value
	}
	return overrides, nil
}
