package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/docfed/internal/cluster"
)

// Timing holds the consensus timing knobs shared by both tiers. Zero values
// fall back to each package's defaults.
type Timing struct {
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min,omitempty"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max,omitempty"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval,omitempty"`
	TickInterval       time.Duration `yaml:"tick_interval,omitempty"`
}

// load reads path into out. A missing file leaves out untouched.
func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// save writes v as two-space indented YAML via a temporary file.
func save(path string, v any) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func defaultID(prefix string) string {
	return prefix + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func localURL(port int) string {
	return cluster.NormalizeURL("localhost:" + strconv.Itoa(port))
}
