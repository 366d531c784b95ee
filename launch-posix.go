//go:build !windows
// +build !windows

/**
 * Copyright 2022 kmeaw
 *
 * Licensed under the GNU Affero General Public License (AGPL).
 *
 * This program is free software: you can redistribute it and/or modify it
 * under the terms of the GNU Affero General Public License as published by the
 * Free Software Foundation, version 3 of the License.
 *
 * This program is distributed in the hope that it will be useful, but WITHOUT
 * ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
 * FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
 * for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/yookoala/realpath"
)

// startupDelay gives the host time to map its image and spawn its threads
// before we stop them.
const startupDelay = 2 * time.Second

// launchHost starts exePath, through wrapper when it is set, and attaches
// to the new process. The process is not reaped here, the backend sees its
// exit.
func launchHost(exePath string, args []string, wrapper string, log zerolog.Logger) (Target, error) {
	real, err := realpath.Realpath(exePath)
	if err != nil {
		real = exePath
	}

	var cmd *exec.Cmd
	if wrapper != "" {
		cmd = exec.Command(wrapper, append([]string{real}, args...)...)
	} else {
		cmd = exec.Command(real, args...)
	}
	cmd.Dir, _ = filepath.Split(real)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start %q: %w", exePath, err)
	}

	pid := cmd.Process.Pid
	log.Info().Int("pid", pid).Str("exe", real).Str("wrapper", wrapper).Msg("host started")

	time.Sleep(startupDelay)

	t, err := attachHost(pid, log)
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	return t, nil
}

// vim: ai:ts=8:sw=8:noet:syntax=go
