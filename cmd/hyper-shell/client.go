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
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/hypershell/hypershell/internal/texec"
)

// runClient implements `hyper-shell client`: one long-lived worker that
// connects to a dispatch server, leases tasks, runs each through the
// local shell, and reports results (spec.md §4.5).
func runClient(args []string) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	host := fs.String("H", "127.0.0.1", "dispatch server host")
	port := fs.Int("p", defaultPortOrDefault(), "dispatch server port")
	authKeyFlag := fs.String("k", "", "pre-shared auth key, hex-encoded")
	clientID := fs.String("client-id", "", "wire identity reported in HELLO (default: random)")
	numTasks := fs.Int("num-tasks", texec.DefaultCapacity, "max outstanding tasks requested at once")
	timeout := fs.Duration("x", 0, "exit after this long with no work (0 = infinite)")
	capture := fs.Bool("capture", false, "capture stdout/stderr instead of joining the client's own")
	verbose := fs.Bool("v", false, "verbose logging")
	debug := fs.Bool("d", false, "debug logging")
	logging := fs.Bool("l", false, "detailed logging (caller + timestamp)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	logger := newLogger(*verbose || *debug, *logging)
	authKey, err := resolveAuthKey(*authKeyFlag)
	if err != nil {
		return exitf(exitAuth, "hyper-shell: %v", err)
	}

	id := *clientID
	if id == "" {
		id = uuid.NewString()
	}

	c := texec.New(texec.Config{
		ClientID:    id,
		ServerAddr:  hostPort(*host, *port),
		AuthKey:     authKey,
		Capacity:    *numTasks,
		IdleTimeout: *timeout,
		Capture:     *capture,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.Run(ctx); err != nil {
		return exitf(exitOperation, "hyper-shell: client: %v", err)
	}
	return exitOK
}
