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

package main

import (
	"flag"
	"fmt"
	"sort"

	"github.com/hypershell/hypershell/internal/config"
)

const defaultConfigDocPath = "hypershell.yaml"

// runConfig implements `hyper-shell config {get|set}` against the
// free-form YAML document internal/config.Get/Set/GetAll read and write
// (spec.md §6 "config {get|set}"), distinct from the typed Config record
// every other subcommand builds from flags/env/-c file.
func runConfig(args []string) int {
	if len(args) < 1 {
		return exitf(exitUsage, "hyper-shell: config: usage: config {get|set} ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "get":
		return runConfigGet(rest)
	case "set":
		return runConfigSet(rest)
	default:
		return exitf(exitUsage, "hyper-shell: config: unknown subcommand %q", sub)
	}
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("config get", flag.ContinueOnError)
	path := fs.String("c", defaultConfigDocPath, "config document path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if fs.NArg() == 0 {
		all, err := config.GetAll(*path)
		if err != nil {
			return exitf(exitOperation, "hyper-shell: %v", err)
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s=%s\n", k, all[k])
		}
		return exitOK
	}

	if fs.NArg() != 1 {
		return exitf(exitUsage, "hyper-shell: config get: expected at most one key")
	}
	value, ok, err := config.Get(*path, fs.Arg(0))
	if err != nil {
		return exitf(exitOperation, "hyper-shell: %v", err)
	}
	if !ok {
		return exitf(exitOperation, "hyper-shell: config: no such key %q", fs.Arg(0))
	}
	fmt.Println(value)
	return exitOK
}

func runConfigSet(args []string) int {
	fs := flag.NewFlagSet("config set", flag.ContinueOnError)
	path := fs.String("c", defaultConfigDocPath, "config document path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 2 {
		return exitf(exitUsage, "hyper-shell: config set: expected KEY VALUE")
	}
	if err := config.Set(*path, fs.Arg(0), fs.Arg(1)); err != nil {
		return exitf(exitOperation, "hyper-shell: %v", err)
	}
	return exitOK
}
