// Copyright (C) 2024 HyperShell Authors.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config holds the single Config record every subcommand builds
// from flags, environment, and an optional YAML file, mirroring the way
// cmd/snellerd/run_daemon.go assembles a server value field-by-field
// before handing it to server.Serve rather than reaching for a global.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultPort is the dispatch server's default listen port (spec.md §6
// "-p/--port (default 50001)").
const DefaultPort = 50001

// Config is the full set of knobs spec.md §6's CLI flags and environment
// variables populate. Every field has a zero value that setDefaults fills
// in, so a Config built purely from flags (no file, no env) is still
// usable.
type Config struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	AuthKey string `yaml:"authkey"` // hex-encoded

	MaxSize  int    `yaml:"maxsize"`
	Template string `yaml:"template"`
	NumCores int    `yaml:"num_cores"`

	Timeout time.Duration `yaml:"timeout"`
	Capture bool          `yaml:"capture"`
	NoDB    bool          `yaml:"no_db"`

	Output string `yaml:"output"`
	Failed string `yaml:"failed"`

	LoggingLevel   string `yaml:"logging_level"`
	LoggingHandler string `yaml:"logging_handler"`

	Exe string `yaml:"exe"`
	Cwd string `yaml:"cwd"`

	// Cluster-mode fields (internal/cluster).
	NodeFile      string        `yaml:"node_file"`
	Strategy      string        `yaml:"strategy"` // local | ssh | mpi
	StaggerDelay  time.Duration `yaml:"stagger_delay"`
	DrainDeadline time.Duration `yaml:"drain_deadline"`

	PeerRefreshCmd      string        `yaml:"peer_refresh_cmd"`
	PeerRefreshInterval time.Duration `yaml:"peer_refresh_interval"`
}

// SetDefaults fills in zero-valued fields with spec.md §6's documented
// defaults. It is exported so cmd/hyper-shell can apply it after flag
// parsing, the same order run_daemon.go resolves flags before using them.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Template == "" {
		c.Template = "{}"
	}
}

// Load parses path as a YAML Config document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes c to path as YAML, for the `config set` subcommand.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// FromEnv overrides c's logging and exec/cwd fields from the environment
// variables spec.md §6 lists, the same fallback-to-environment shape
// cmd/snellerd/auth.go's prepareAuth uses when no explicit spec is given.
// Flags win over the file, which wins over FromEnv, so callers apply this
// before parsing flags onto the same Config.
func FromEnv(c *Config) {
	if v := os.Getenv("HYPERSHELL_LOGGING_LEVEL"); v != "" {
		c.LoggingLevel = v
	}
	if v := os.Getenv("HYPERSHELL_LOGGING_HANDLER"); v != "" {
		c.LoggingHandler = v
	}
	if v := os.Getenv("HYPERSHELL_EXE"); v != "" {
		c.Exe = v
	}
	if v := os.Getenv("HYPERSHELL_CWD"); v != "" {
		c.Cwd = v
	}
}

// exportPrefix marks an environment binding meant for task env injection
// (spec.md §4.1) rather than HyperShell's own configuration.
const exportPrefix = "HYPERSHELL_EXPORT_"

// ExportedEnv extracts HYPERSHELL_EXPORT_* bindings from environ (normally
// os.Environ()) into a plain map, stripping the prefix. HYPERSHELL_EXE and
// HYPERSHELL_CWD are reserved configuration names, not export bindings, so
// they never carry this prefix and are excluded automatically.
func ExportedEnv(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, exportPrefix) {
			continue
		}
		name = strings.TrimPrefix(name, exportPrefix)
		if name == "" {
			continue
		}
		out[name] = value
	}
	return out
}
