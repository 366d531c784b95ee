//go:build windows
// +build windows

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
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/yookoala/realpath"
	"golang.org/x/sys/windows"
)

func S(input string) *uint16 {
	u, err := syscall.UTF16FromString(input)
	if err != nil {
		panic(err)
	}

	return &u[0]
}

// launchHost creates the host as our debuggee. It is frozen at the loader
// breakpoint, so the hooks go in before the game code runs. wrapper is
// ignored here.
func launchHost(exePath string, args []string, wrapper string, log zerolog.Logger) (Target, error) {
	real, err := realpath.Realpath(exePath)
	if err != nil {
		real = exePath
	}
	dir, file := filepath.Split(real)

	var si windows.StartupInfo
	var pi windows.ProcessInformation
	var cwd *uint16
	if dir != "" {
		cwd = S(dir)
	}
	err = windows.CreateProcess(
		S(real),
		S(strings.Join(append([]string{file}, args...), " ")),
		nil, nil, false,
		windows.NORMAL_PRIORITY_CLASS|
			windows.CREATE_NEW_CONSOLE|
			windows.CREATE_NEW_PROCESS_GROUP|
			windows.DEBUG_ONLY_THIS_PROCESS,
		nil,
		cwd,
		&si,
		&pi,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot start %q: %w", exePath, err)
	}

	log.Info().Uint32("pid", pi.ProcessId).Str("exe", real).Msg("host created")

	windows.CloseHandle(pi.Thread)

	p, err := NewPatcher(pi.Process, int(pi.ProcessId), false, log)
	if err != nil {
		windows.TerminateProcess(pi.Process, 1)
		windows.CloseHandle(pi.Process)
		return nil, err
	}
	return p, nil
}

// vim: ai:ts=8:sw=8:noet:syntax=go
