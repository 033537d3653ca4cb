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
	"path/filepath"
	"testing"
)

func TestSetCreatesDocumentAndGetReadsItBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")

	if _, ok, err := Get(path, "maxsize"); err != nil || ok {
		t.Fatalf("Get on missing file: ok=%v err=%v", ok, err)
	}

	if err := Set(path, "maxsize", "256"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set(path, "template", "{}"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := Get(path, "maxsize")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "256" {
		t.Fatalf("Get(maxsize) = %q, %v", v, ok)
	}

	all, err := GetAll(path)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 || all["template"] != "{}" {
		t.Fatalf("GetAll = %v", all)
	}
}

func TestSetOverwritesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")
	if err := Set(path, "host", "a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set(path, "host", "b"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := Get(path, "host")
	if err != nil || !ok || v != "b" {
		t.Fatalf("Get(host) = %q, %v, %v", v, ok, err)
	}
}
