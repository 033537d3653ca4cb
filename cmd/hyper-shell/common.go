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
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"

	"github.com/hypershell/hypershell/internal/authmac"
	"github.com/hypershell/hypershell/internal/config"
	"github.com/hypershell/hypershell/internal/store"
)

// newLogger builds a *log.Logger the way run_daemon.go does: plain
// Lshortfile normally, a more detailed caller+timestamp set under
// -l/--logging (SPEC_FULL.md's Logging section).
func newLogger(verbose, detailed bool) *log.Logger {
	if !verbose && !detailed {
		return nil
	}
	flags := log.Lshortfile
	if detailed {
		flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	}
	return log.New(os.Stderr, "", flags)
}

// resolveAuthKey applies flag > environment > DefaultKey precedence
// (spec.md §4.4), decoding through authmac.ParseKey.
func resolveAuthKey(flagVal string) ([]byte, error) {
	v := flagVal
	if v == "" {
		v = os.Getenv("HYPERSHELL_AUTHKEY")
	}
	if v == "" {
		v = authmac.DefaultKey
	}
	return authmac.ParseKey(v)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// startDebugPprof exposes net/http/pprof on a loopback-only listener, the
// same opt-in debug surface run_daemon.go's -debug <fd> gives a running
// snellerd (SPEC_FULL.md's "Debug pprof socket"). A bind failure is logged
// and otherwise ignored: it should never keep the server itself from
// starting.
func startDebugPprof(addr string, logger *log.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		if logger != nil {
			logger.Printf("hyper-shell: pprof: listen %s: %v", addr, err)
		}
		return
	}
	if logger != nil {
		logger.Printf("hyper-shell: pprof listening on %s", addr)
	}
	go http.Serve(l, mux)
}

// openStore opens a Durable store at dir, or a fresh Volatile store when
// noDB is set (spec.md §6 "--no-db"), applying the matching retry policy
// default (store.DefaultMaxAttemptsDurable / Volatile).
func openStore(dir string, noDB bool) (store.Store, int, error) {
	if noDB {
		return store.NewVolatile(), store.DefaultMaxAttemptsVolatile, nil
	}
	if dir == "" {
		return nil, 0, fmt.Errorf("hypershell: a store path is required unless --no-db is set")
	}
	st, err := store.OpenDurable(dir)
	if err != nil {
		return nil, 0, err
	}
	return st, store.DefaultMaxAttemptsDurable, nil
}

// mustDurable opens an existing durable store for read-only or
// second-process access (the `submit` and `task` subcommands, which
// operate against a server's on-disk store rather than its in-memory
// scheduler state).
func mustDurable(dir string) (*store.Durable, error) {
	if dir == "" {
		return nil, fmt.Errorf("hypershell: -f (store directory) is required")
	}
	return store.OpenDurable(dir)
}

// loadConfigFile loads an optional YAML config file over the environment:
// FromEnv first (lowest precedence), then the file, the "flags win over
// the file, which wins over FromEnv" order recorded in
// internal/config.FromEnv's doc comment. No subcommand calls it yet.
func loadConfigFile(path string) (*config.Config, error) {
	var c config.Config
	config.FromEnv(&c)
	if path == "" {
		c.SetDefaults()
		return &c, nil
	}
	fileCfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	merged := *fileCfg
	if merged.LoggingLevel == "" {
		merged.LoggingLevel = c.LoggingLevel
	}
	if merged.Exe == "" {
		merged.Exe = c.Exe
	}
	if merged.Cwd == "" {
		merged.Cwd = c.Cwd
	}
	merged.SetDefaults()
	return &merged, nil
}
