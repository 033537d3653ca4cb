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

// Command hyper-shell is the single entry point for every role in the
// system: the dispatch server, the client executor, the cluster
// supervisor, the line submitter, task inspection, and config
// get/set -- dispatched by subcommand the way cmd/snellerd/main.go picks
// between "daemon" and "worker".
package main

import (
	"fmt"
	"os"
)

// Exit codes from spec.md §6.
const (
	exitOK        = 0
	exitOperation = 1
	exitUsage     = 2
	exitAuth      = 3
	exitPartial   = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}
	args := os.Args[2:]
	var code int
	switch os.Args[1] {
	case "server":
		code = runServer(args)
	case "client":
		code = runClient(args)
	case "cluster":
		code = runCluster(args)
	case "submit":
		code = runSubmit(args)
	case "task":
		code = runTask(args)
	case "config":
		code = runConfig(args)
	case "-h", "--help", "help":
		usage()
		code = exitOK
	default:
		fmt.Fprintf(os.Stderr, "hyper-shell: unknown subcommand %q\n", os.Args[1])
		usage()
		code = exitUsage
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hyper-shell <subcommand> [flags]")
	fmt.Fprintln(os.Stderr, "subcommands:")
	fmt.Fprintln(os.Stderr, "  server   run the dispatch server (and, with -i/-o/-f, an embedded submitter/sink)")
	fmt.Fprintln(os.Stderr, "  client   run a client executor against a running server")
	fmt.Fprintln(os.Stderr, "  cluster  launch server + N clients under a launch strategy, ordered shutdown on signal")
	fmt.Fprintln(os.Stderr, "  submit   insert tasks into an already-running durable-backed server")
	fmt.Fprintln(os.Stderr, "  task     show|status|search|wait against the durable task store")
	fmt.Fprintln(os.Stderr, "  config   get|set a value in the on-disk config document")
}

// exitf prints a formatted error to stderr, the same helper cmd/sdb's
// main.go uses, returning the exit code for main to use rather than
// calling os.Exit directly so subcommand functions stay testable.
func exitf(code int, format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return code
}
