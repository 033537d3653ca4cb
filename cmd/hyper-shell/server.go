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
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hypershell/hypershell/internal/dispatch"
	"github.com/hypershell/hypershell/internal/scheduler"
	"github.com/hypershell/hypershell/internal/sink"
	"github.com/hypershell/hypershell/internal/store"
	"github.com/hypershell/hypershell/internal/submit"
)

// runServer implements `hyper-shell server`: the dispatch listener plus,
// when -i/-o/-f are given, the embedded submitter and sink goroutines
// spec.md §5 lists as threads of the same process as the scheduler they
// share in-memory state with (the admission semaphore, the ready-queue).
func runServer(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	host := fs.String("H", "", "host to listen on")
	port := fs.Int("p", 0, "port to listen on (default 50001)")
	authKeyFlag := fs.String("k", "", "pre-shared auth key, hex-encoded")
	storePath := fs.String("store", "", "durable store directory (required unless --no-db)")
	noDB := fs.Bool("no-db", false, "use a volatile in-memory store instead of a durable one")
	maxSize := fs.Int("s", scheduler.DefaultMaxSize, "ready-queue capacity")
	template := fs.String("t", "", "default command template for embedded submission")
	input := fs.String("i", "", "path to read task lines from (- for stdin); omit to run dispatch-only")
	output := fs.String("o", "", "output archive path for captured stdout/stderr")
	failed := fs.String("f", "", "failure sink path")
	verbose := fs.Bool("v", false, "verbose logging")
	debug := fs.Bool("d", false, "debug logging")
	logging := fs.Bool("l", false, "detailed logging (caller + timestamp)")
	drain := fs.Duration("drain-deadline", dispatch.DefaultDrainDeadline, "drain deadline on shutdown")
	pprofAddr := fs.String("pprof", "", "loopback address to expose net/http/pprof on (e.g. 127.0.0.1:6060); empty disables it")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	logger := newLogger(*verbose || *debug, *logging)
	startDebugPprof(*pprofAddr, logger)
	authKey, err := resolveAuthKey(*authKeyFlag)
	if err != nil {
		return exitf(exitAuth, "hyper-shell: %v", err)
	}

	st, maxAttempts, err := openStore(*storePath, *noDB)
	if err != nil {
		return exitf(exitUsage, "hyper-shell: %v", err)
	}
	defer st.Close()

	sched := scheduler.New(st, maxAttempts, scheduler.WithMaxSize(*maxSize), scheduler.WithLogger(logger))
	srv := dispatch.New(sched, authKey, dispatch.WithLogger(logger), dispatch.WithDrainDeadline(*drain))

	addr := hostPort(*host, firstNonzero(*port, defaultPortOrDefault()))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return exitf(exitOperation, "hyper-shell: listen %s: %v", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serveErr:
		if err != nil {
			return exitf(exitOperation, "hyper-shell: serve: %v", err)
		}
	case <-sigCh:
		shutdownCtx, scancel := context.WithTimeout(context.Background(), *drain+5*time.Second)
		defer scancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return exitf(exitOperation, "hyper-shell: shutdown: %v", err)
		}
	}
	sched.Stop()
	if collectDone != nil {
		if err := <-collectDone; err != nil {
			return exitf(exitOperation, "hyper-shell: sink: %v", err)
		}
	}
	return exitOK
}

func firstNonzero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func defaultPortOrDefault() int {
	return 50001
}

func runEmbeddedSink(sched *scheduler.Scheduler, output, failed string) error {
	c := &sink.Collector{}
	if failed != "" {
		f, err := os.Create(failed)
		if err != nil {
			return fmt.Errorf("hypershell: opening failure sink: %w", err)
		}
		defer f.Close()
		c.Failed = f
	}
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("hypershell: opening output sink: %w", err)
		}
		defer f.Close()
		c.Output = f
	}
	return c.Run(sched.Completions())
}

// runEmbeddedSubmit feeds input (a path, or "-" for stdin) through a
// submit.Submitter against the server's own store/scheduler, the way
// -i lets `hyper-shell server` double as a single-process pipeline for
// the S1-S6 seed scenarios without a separate `submit` invocation.
func runEmbeddedSubmit(ctx context.Context, st store.Store, sched *scheduler.Scheduler, template, input string, logger *log.Logger) {
	var r io.Reader
	if input == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(input)
		if err != nil {
			if logger != nil {
				logger.Printf("hyper-shell: opening %s: %v", input, err)
			}
			return
		}
		defer f.Close()
		r = f
	}

	sub := &submit.Submitter{Store: st, Scheduler: sched, Template: template}
	stats, err := sub.Run(ctx, r)
	if logger != nil {
		logger.Printf("hyper-shell: submitted %d/%d lines (%d rejected): %v", stats.Submitted, stats.Lines, stats.Rejected, err)
	}
}
