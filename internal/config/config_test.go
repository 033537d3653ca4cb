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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAndSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	c := &Config{
		Host:          "10.0.0.1",
		Port:          6000,
		MaxSize:       500,
		Template:      "{}",
		DrainDeadline: 45 * time.Second,
	}
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Host != c.Host || got.Port != c.Port || got.MaxSize != c.MaxSize {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, c)
	}
	if got.DrainDeadline != 45*time.Second {
		t.Fatalf("DrainDeadline = %v, want 45s", got.DrainDeadline)
	}
}

func TestSetDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	if c.Port != DefaultPort {
		t.Fatalf("Port = %d, want %d", c.Port, DefaultPort)
	}
	if c.Template != "{}" {
		t.Fatalf("Template = %q, want \"{}\"", c.Template)
	}

	c2 := Config{Port: 7000, Template: "{[0:2]}"}
	c2.SetDefaults()
	if c2.Port != 7000 || c2.Template != "{[0:2]}" {
		t.Fatalf("SetDefaults overwrote explicit values: %+v", c2)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("HYPERSHELL_LOGGING_LEVEL", "debug")
	t.Setenv("HYPERSHELL_EXE", "/opt/hyper-shell")
	os.Unsetenv("HYPERSHELL_LOGGING_HANDLER")
	os.Unsetenv("HYPERSHELL_CWD")

	var c Config
	FromEnv(&c)
	if c.LoggingLevel != "debug" {
		t.Fatalf("LoggingLevel = %q, want debug", c.LoggingLevel)
	}
	if c.Exe != "/opt/hyper-shell" {
		t.Fatalf("Exe = %q, want /opt/hyper-shell", c.Exe)
	}
	if c.LoggingHandler != "" || c.Cwd != "" {
		t.Fatalf("unset env vars should leave fields untouched: %+v", c)
	}
}

func TestExportedEnv(t *testing.T) {
	environ := []string{
		"HYPERSHELL_EXPORT_REGION=us-east-1",
		"HYPERSHELL_EXPORT_STAGE=prod",
		"HYPERSHELL_EXE=/usr/bin/hyper-shell",
		"HYPERSHELL_CWD=/tmp",
		"PATH=/usr/bin",
		"HYPERSHELL_EXPORT_=ignored-empty-name",
	}
	got := ExportedEnv(environ)
	want := map[string]string{"REGION": "us-east-1", "STAGE": "prod"}
	if len(got) != len(want) {
		t.Fatalf("ExportedEnv = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("ExportedEnv[%s] = %q, want %q", k, got[k], v)
		}
	}
}
