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

//go:build !windows

package texec

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcAttrs places a task's shell in its own process group so
// sigterm reaches every descendant the shell may have spawned, not just
// the shell itself.
func configureProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// sigterm signals the whole process group rooted at cmd's shell. The
// negative pid is the POSIX convention for "this process's group"
// (kill(2)); Cmd.WaitDelay's own SIGKILL escalation only reaches the
// direct child if this doesn't finish the job in time.
func sigterm(cmd *exec.Cmd) error {
	return unix.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
