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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf16"
)

// CallConv is the x86 calling convention of a host function.
type CallConv int

const (
	Cdecl CallConv = iota
	Stdcall
	Thiscall
)

func (c CallConv) String() string {
	switch c {
	case Cdecl:
		return "cdecl"
	case Stdcall:
		return "stdcall"
	case Thiscall:
		return "thiscall"
	}
	return fmt.Sprintf("CallConv(%d)", int(c))
}

// calleeCleanup returns how many bytes of stack arguments the callee pops.
func (c CallConv) calleeCleanup(nargs int) int {
	switch c {
	case Stdcall:
		return 4 * nargs
	case Thiscall:
		if nargs > 0 {
			return 4 * (nargs - 1)
		}
	}
	return 0
}

// GatewayFunc receives the arguments of an intercepted host call and
// returns the value placed in EAX.
type GatewayFunc func(args []uintptr) uintptr

// Memory is the view of the host address space used by the entity code.
type Memory interface {
	ReadMemory(addr uintptr, size int) ([]byte, error)
	WriteMemory(addr uintptr, data []byte) error
}

// Host is the attached game process.
//
// WriteMemory must succeed on code pages regardless of their protection.
// Alloc has no counterpart: host memory is never given back, callers reuse
// what they got.
// Invoke blocks until the called function returns. OpenGateway returns an
// address which, when called by the host with the given convention, runs fn
// and returns its result to the caller.
type Host interface {
	Memory
	Alloc(size int, exec bool) (uintptr, error)
	Invoke(addr uintptr, conv CallConv, args ...uintptr) (uintptr, error)
	OpenGateway(conv CallConv, nargs int, fn GatewayFunc) (uintptr, error)
	CloseGateway(addr uintptr) error
}

// Target is a Host attached by one of the platform backends.
//
// After attach every host thread is stopped. Resume lets them run, Run
// services hook traps until ctx is done and then leaves the host halted,
// Detach lets go of a halted host.
type Target interface {
	Host
	Pid() int
	Resume() error
	Run(ctx context.Context) error
	Halt() error
	Detach() error
}

// codeChecker is implemented by backends that can tell whether an address
// is inside executable memory.
type codeChecker interface {
	Executable(addr uintptr) (bool, error)
}

var (
	ErrNotFound           = errors.New("not found")
	ErrNotCode            = errors.New("address is not in executable memory")
	ErrProcessGone        = errors.New("host process has exited")
	ErrNotStopped         = errors.New("host thread is not stopped at a gateway")
	ErrGatewayUnsupported = errors.New("gateways are not supported by this backend")
)

func readU16(m Memory, addr uintptr) (uint16, error) {
	buf, err := m.ReadMemory(addr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf), nil
}

func readU32(m Memory, addr uintptr) (uint32, error) {
	buf, err := m.ReadMemory(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// readPtr reads a 32-bit host pointer.
func readPtr(m Memory, addr uintptr) (uintptr, error) {
	v, err := readU32(m, addr)
	return uintptr(v), err
}

func readF32(m Memory, addr uintptr) (float32, error) {
	v, err := readU32(m, addr)
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(v), nil
}

func writeF32(m Memory, addr uintptr, v float32) error {
	buf := [4]byte{}
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	return m.WriteMemory(addr, buf[:])
}

const maxHostString = 4096

// chunkSize never lets a string read cross a page boundary, the next page
// may be unmapped.
func chunkSize(addr uintptr) int {
	left := 4096 - int(addr&0xFFF)
	if left > 64 {
		return 64
	}
	return left
}

// readCString reads a NUL-terminated narrow string, at most maxHostString
// bytes long.
func readCString(m Memory, addr uintptr) (string, error) {
	var out []byte
	for len(out) < maxHostString {
		at := addr + uintptr(len(out))
		chunk, err := m.ReadMemory(at, chunkSize(at))
		if err != nil {
			return "", err
		}
		for _, c := range chunk {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
		}
	}

	return string(out), nil
}

// readWString reads a NUL-terminated UTF-16 string.
func readWString(m Memory, addr uintptr) (string, error) {
	var out []uint16
	for len(out) < maxHostString {
		at := addr + uintptr(2*len(out))
		n := chunkSize(at)
		if n < 2 {
			n = 2
		}
		chunk, err := m.ReadMemory(at, n)
		if err != nil {
			return "", err
		}
		for i := 0; i+1 < len(chunk); i += 2 {
			c := binary.LittleEndian.Uint16(chunk[i:])
			if c == 0 {
				return string(utf16.Decode(out)), nil
			}
			out = append(out, c)
		}
	}

	return string(utf16.Decode(out)), nil
}

// encodeWString encodes s as NUL-terminated UTF-16, truncated to fit in
// limit bytes.
func encodeWString(s string, limit int) []byte {
	u := utf16.Encode([]rune(s))
	if room := limit/2 - 1; len(u) > room {
		u = u[:room]
	}
	buf := make([]byte, 2*len(u)+2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(buf[2*i:], c)
	}

	return buf
}

// vim: ai:ts=8:sw=8:noet:syntax=go
