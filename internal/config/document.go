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

	"gopkg.in/yaml.v2"
)

// loadDocument reads path as a free-form YAML map, the on-disk document
// `hyper-shell config {get|set}` reads and writes directly (spec.md §6:
// "config {get|set}"; SPEC_FULL.md: "reads/writes a single on-disk YAML
// document through this same package, no separate store"). A missing
// file is an empty document rather than an error, so `config set` can
// create one from nothing.
func loadDocument(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	doc := map[string]string{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func saveDocument(path string, doc map[string]string) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Get returns key's value from the document at path, and whether it was
// present.
func Get(path, key string) (value string, ok bool, err error) {
	doc, err := loadDocument(path)
	if err != nil {
		return "", false, err
	}
	value, ok = doc[key]
	return value, ok, nil
}

// Set writes key=value into the document at path, creating it if it
// doesn't already exist.
func Set(path, key, value string) error {
	doc, err := loadDocument(path)
	if err != nil {
		return err
	}
	doc[key] = value
	return saveDocument(path, doc)
}

// GetAll returns every key/value pair in the document at path, for
// `config get` with no key argument.
func GetAll(path string) (map[string]string, error) {
	return loadDocument(path)
}
