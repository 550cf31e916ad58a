// Package taskmanifest reads and rewrites a task's task.toml (spec component
// C12), in particular pinning environment.docker_image after a successful
// container prebuild so every attempt against the task reuses the same
// image instead of triggering a rebuild each time.
package taskmanifest

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Manifest is a task.toml document kept as a generic map rather than a fixed
// struct, so rewriting one key never clobbers fields the task author set
// that this worker doesn't otherwise understand.
type Manifest map[string]any

// Load reads and parses path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if m == nil {
		m = Manifest{}
	}
	return m, nil
}

// SetDockerImage sets environment.docker_image = image, creating the
// [environment] table if absent, and writes the manifest back to path.
func (m Manifest) SetDockerImage(path, image string) error {
	env, ok := m["environment"].(map[string]any)
	if !ok {
		env = map[string]any{}
	}
	env["docker_image"] = image
	m["environment"] = env

	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
