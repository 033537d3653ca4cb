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
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/hypershell/hypershell/internal/cluster"
	"github.com/hypershell/hypershell/internal/dispatch"
	"github.com/hypershell/hypershell/internal/scheduler"
)

// runCluster implements `hyper-shell cluster`: co-launch the dispatch
// server in this process and N clients under one launch strategy
// (spec.md §4.6), with staggered startup and ordered shutdown on signal.
func runCluster(args []string) int {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	host := fs.String("H", "", "host to listen on")
	port := fs.Int("p", 0, "port to listen on (default 50001)")
	authKeyFlag := fs.String("k", "", "pre-shared auth key, hex-encoded (generated if omitted)")
	storePath := fs.String("store", "", "durable store directory (required unless --no-db)")
	noDB := fs.Bool("no-db", false, "use a volatile in-memory store instead of a durable one")
	maxSize := fs.Int("s", scheduler.DefaultMaxSize, "ready-queue capacity")
	template := fs.String("t", "", "default command template")
	numClients := fs.Int("N", 0, "number of clients to launch (default: core count)")
	strategy := fs.String("strategy", "local", "launch strategy: local | ssh | mpi")
	nodeFile := fs.String("node-file", "", "YAML node file (ssh strategy); mpiexec machine file (mpi strategy)")
	refreshCmd := fs.String("node-refresh-cmd", "", "ssh strategy: external command polled for the live node list (e.g. k8s-peers), overriding --node-file's static list")
	refreshInterval := fs.Duration("node-refresh-interval", 30*time.Second, "ssh strategy: how often --node-refresh-cmd is polled")
	exe := fs.String("exe", "", "client binary path (local/ssh); empty re-execs this binary / uses PATH")
	timeout := fs.Duration("x", 0, "client idle timeout (0 = infinite)")
	capture := fs.Bool("capture", false, "capture stdout/stderr instead of joining the client's own")
	input := fs.String("i", "", "path to read task lines from (- for stdin); omit to run dispatch-only")
	output := fs.String("o", "", "output archive path for captured stdout/stderr")
	failed := fs.String("f", "", "failure sink path")
	verbose := fs.Bool("v", false, "verbose logging")
	debug := fs.Bool("d", false, "debug logging")
	logging := fs.Bool("l", false, "detailed logging (caller + timestamp)")
	stagger := fs.Duration("stagger", cluster.DefaultStaggerDelay, "delay between successive client launches")
	drain := fs.Duration("drain-deadline", dispatch.DefaultDrainDeadline, "drain deadline on shutdown")
	pprofAddr := fs.String("pprof", "", "loopback address to expose net/http/pprof on (e.g. 127.0.0.1:6060); empty disables it")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	logger := newLogger(*verbose || *debug, *logging)
	startDebugPprof(*pprofAddr, logger)

	authKeyHex := *authKeyFlag
	if authKeyHex == "" {
		generated, err := generateAuthKeyHex()
		if err != nil {
			return exitf(exitOperation, "hyper-shell: generating auth key: %v", err)
		}
		authKeyHex = generated
		if logger != nil {
			logger.Printf("cluster: no -k given, generated authkey %s", authKeyHex)
		}
	}
	authKey, err := resolveAuthKey(authKeyHex)
	if err != nil {
		return exitf(exitAuth, "hyper-shell: %v", err)
	}

	st, maxAttempts, err := openStore(*storePath, *noDB)
	if err != nil {
		return exitf(exitUsage, "hyper-shell: %v", err)
	}
	defer st.Close()

	sched := scheduler.New(st, maxAttempts, scheduler.WithMaxSize(*maxSize), scheduler.WithLogger(logger))

	addr := hostPort(*host, firstNonzero(*port, defaultPortOrDefault()))

	launcher, err := buildLauncher(*strategy, *nodeFile, *exe, addr, authKeyHex, *numClients, *timeout, *capture)
	if err != nil {
		return exitf(exitUsage, "hyper-shell: %v", err)
	}

	// Decision #6 (DESIGN.md): the Supervisor must exist before the
	// dispatch.Server's OnConnect hook can close over it, so construction
	// is: build the Supervisor (it only needs store/scheduler/launcher),
	// build the Server with WithOnConnect(sup.OnConnect), then Attach the
	// Server back onto the Supervisor so Shutdown has something to call.
	sup := cluster.New(st, sched, launcher, cluster.Config{
		NumClients:    *numClients,
		StaggerDelay:  *stagger,
		DrainDeadline: *drain,
		Logger:        logger,
	})

	srv := dispatch.New(sched, authKey, dispatch.WithLogger(logger), dispatch.WithOnConnect(sup.OnConnect), dispatch.WithDrainDeadline(*drain))
	sup.Attach(srv)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return exitf(exitOperation, "hyper-shell: listen %s: %v", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	if sshLauncher, ok := launcher.(*cluster.SSHLauncher); ok && *refreshCmd != "" {
		refresher := &cluster.PeerRefresher{Cmd: *refreshCmd, Interval: *refreshInterval, Logger: logger}
		sshLauncher.Refresher = refresher
		refresher.Start(ctx)
		defer refresher.Stop()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(l) }()

	var collectDone chan error
	if *output != "" || *failed != "" {
		collectDone = make(chan error, 1)
		go func() { collectDone <- runEmbeddedSink(sched, *output, *failed) }()
	}
	if *input != "" {
		go runEmbeddedSubmit(ctx, st, sched, *template, *input, logger)
	}

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-serveErr:
		cancel()
		<-supErr
	case runErr = <-supErr:
	}
	sched.Stop()
	if collectDone != nil {
		if err := <-collectDone; err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return exitf(exitOperation, "hyper-shell: cluster: %v", runErr)
	}
	return exitOK
}

// buildLauncher constructs the Launcher matching strategy, reusing the
// client-facing flags (timeout, capture) as extra arguments every spawned
// client process receives (spec.md §4.6's local/ssh/mpi strategies).
func buildLauncher(strategy, nodeFile, exe, serverAddr, authKeyHex string, n int, timeout time.Duration, capture bool) (cluster.Launcher, error) {
	extra := clientExtraArgs(timeout, capture)
	switch strategy {
	case "local":
		return &cluster.LocalLauncher{
			Exe:        exe,
			ServerAddr: serverAddr,
			AuthKey:    authKeyHex,
			ExtraArgs:  extra,
		}, nil
	case "ssh":
		nodes, err := cluster.LoadNodeFile(nodeFile)
		if err != nil {
			return nil, err
		}
		return &cluster.SSHLauncher{
			Nodes:      nodes,
			Exe:        exe,
			ServerAddr: serverAddr,
			AuthKey:    authKeyHex,
			ExtraArgs:  extra,
		}, nil
	case "mpi":
		if n <= 0 {
			n = runtime.NumCPU()
		}
		return &cluster.MPILauncher{
			MachineFile: nodeFile,
			Exe:         exe,
			N:           n,
			ServerAddr:  serverAddr,
			AuthKey:     authKeyHex,
			ExtraArgs:   extra,
		}, nil
	default:
		return nil, fmt.Errorf("unknown cluster strategy %q (want local, ssh, or mpi)", strategy)
	}
}

func clientExtraArgs(timeout time.Duration, capture bool) []string {
	var args []string
	if timeout > 0 {
		args = append(args, "-x", timeout.String())
	}
	if capture {
		args = append(args, "--capture")
	}
	return args
}

func generateAuthKeyHex() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
