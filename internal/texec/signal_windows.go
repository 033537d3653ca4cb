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

//go:build windows

package texec

import "os/exec"

// Windows has no process-group signal delivery or SIGTERM equivalent a
// child can trap; Kill is the only option, so WaitDelay's escalation
// never has anything left to escalate.
func configureProcAttrs(cmd *exec.Cmd) {}

func sigterm(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
