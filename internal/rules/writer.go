// ABOUTME: Writes always-allow rules into a project's agent settings file
// ABOUTME: Deduplicated append under permissions.allow with pretty JSON output

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// settingsFileName is the per-project settings file the agent consults.
const settingsFileName = "settings.local.json"

// WriteAlwaysAllow appends rule to permissions.allow in
// <projectDir>/.claude/settings.local.json, creating the file and any missing
// structure. Appending an already-present rule leaves the file unchanged.
// Unrelated settings in the file are preserved.
func WriteAlwaysAllow(projectDir, rule string) error {
	if projectDir == "" {
		return errors.New("project directory is required")
	}

	settingsDir := filepath.Join(projectDir, ".claude")
	settingsPath := filepath.Join(settingsDir, settingsFileName)

	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	settings := make(map[string]any)
	data, err := os.ReadFile(settingsPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading settings file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("parsing settings file: %w", err)
		}
	}

	permissions, ok := settings["permissions"].(map[string]any)
	if !ok {
		permissions = make(map[string]any)
		settings["permissions"] = permissions
	}

	allow, ok := permissions["allow"].([]any)
	if !ok {
		allow = nil
	}
	for _, existing := range allow {
		if existing == rule {
			return nil
		}
	}
	permissions["allow"] = append(allow, rule)

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.WriteFile(settingsPath, out, 0o644); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}
