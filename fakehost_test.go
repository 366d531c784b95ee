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
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

const (
	fakePage      = 0x1000
	fakeAllocBase = 0x10000000
)

// push ebp; mov ebp, esp; sub esp, 0x10; push esi; push edi; ...
var fakePrologue = []byte{0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x10, 0x56, 0x57, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}

var errFakeWrite = errors.New("injected write failure")

type fakeNative struct {
	addr  uintptr
	fn    func(args []uintptr) uintptr
	calls [][]uintptr
}

// fakeHost is an in-memory 32-bit host. Calls are resolved by following
// the bytes in memory: a jmp rel32 is followed, gateways run their Go
// function, other instructions are skipped until a native function body
// is reached.
type fakeHost struct {
	mu       sync.Mutex
	pages    map[uintptr][]byte
	next     uintptr
	natives  map[uintptr]*fakeNative
	gateways map[uintptr]GatewayFunc

	failWrite  func(addr uintptr, n int) error
	noGateways bool
	invokes    int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		pages:    make(map[uintptr][]byte),
		next:     fakeAllocBase,
		natives:  make(map[uintptr]*fakeNative),
		gateways: make(map[uintptr]GatewayFunc),
	}
}

func (h *fakeHost) Map(addr uintptr, size int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for p := addr &^ (fakePage - 1); p < addr+uintptr(size); p += fakePage {
		if _, ok := h.pages[p]; !ok {
			h.pages[p] = make([]byte, fakePage)
		}
	}
}

func (h *fakeHost) ReadMemory(addr uintptr, size int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		a := addr + uintptr(i)
		page, ok := h.pages[a&^(fakePage-1)]
		if !ok {
			return nil, fmt.Errorf("read %#x: unmapped", a)
		}
		buf[i] = page[a&(fakePage-1)]
	}
	return buf, nil
}

func (h *fakeHost) WriteMemory(addr uintptr, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failWrite != nil {
		if err := h.failWrite(addr, len(data)); err != nil {
			return err
		}
	}

	for i := range data {
		a := addr + uintptr(i)
		if _, ok := h.pages[a&^(fakePage-1)]; !ok {
			return fmt.Errorf("write %#x: unmapped", a)
		}
	}
	for i, b := range data {
		a := addr + uintptr(i)
		h.pages[a&^(fakePage-1)][a&(fakePage-1)] = b
	}
	return nil
}

func (h *fakeHost) Alloc(size int, exec bool) (uintptr, error) {
	h.mu.Lock()
	addr := (h.next + 15) &^ 15
	h.next = addr + uintptr(size)
	h.mu.Unlock()

	// slack so that instruction reads past the end stay mapped
	h.Map(addr, size+16)
	return addr, nil
}

func (h *fakeHost) OpenGateway(conv CallConv, nargs int, fn GatewayFunc) (uintptr, error) {
	if h.noGateways {
		return 0, ErrGatewayUnsupported
	}

	addr, err := h.Alloc(2, true)
	if err != nil {
		return 0, err
	}
	if err := h.WriteMemory(addr, []byte{0xCC, 0xC3}); err != nil {
		return 0, err
	}

	h.mu.Lock()
	h.gateways[addr] = fn
	h.mu.Unlock()
	return addr, nil
}

func (h *fakeHost) CloseGateway(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.gateways[addr]; !ok {
		return ErrNotFound
	}
	delete(h.gateways, addr)
	return nil
}

func (h *fakeHost) Invoke(addr uintptr, conv CallConv, args ...uintptr) (uintptr, error) {
	h.mu.Lock()
	h.invokes++
	h.mu.Unlock()

	return h.exec(addr, args)
}

// HostCall is the game calling addr.
func (h *fakeHost) HostCall(addr uintptr, args ...uintptr) (uintptr, error) {
	return h.exec(addr, args)
}

func (h *fakeHost) lookup(addr uintptr) (GatewayFunc, *fakeNative) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if fn, ok := h.gateways[addr]; ok {
		return fn, nil
	}
	for start, n := range h.natives {
		if addr >= start && addr < start+uintptr(len(fakePrologue)) {
			return nil, n
		}
	}
	return nil, nil
}

func (h *fakeHost) exec(addr uintptr, args []uintptr) (uintptr, error) {
	for hops := 0; hops < 64; hops++ {
		gw, native := h.lookup(addr)
		if gw != nil {
			return gw(args), nil
		}

		code, err := h.ReadMemory(addr, 15)
		if err != nil {
			return 0, err
		}

		if code[0] == 0xE9 {
			addr = addr + 5 + uintptr(int32(binary.LittleEndian.Uint32(code[1:])))
			continue
		}

		if native != nil {
			h.mu.Lock()
			native.calls = append(native.calls, append([]uintptr(nil), args...))
			h.mu.Unlock()
			return native.fn(args), nil
		}

		inst, err := x86asm.Decode(code, 32)
		if err != nil {
			return 0, fmt.Errorf("cannot execute %#x: %w", addr, err)
		}
		addr += uintptr(inst.Len)
	}
	return 0, fmt.Errorf("call to %#x does not return", addr)
}

// AddNative maps a function body at addr. fn runs when the unhooked code
// is reached.
func (h *fakeHost) AddNative(addr uintptr, fn func(args []uintptr) uintptr) *fakeNative {
	h.Map(addr, len(fakePrologue))
	if err := h.WriteMemory(addr, fakePrologue); err != nil {
		panic(err)
	}

	n := &fakeNative{addr: addr, fn: fn}
	h.mu.Lock()
	h.natives[addr] = n
	h.mu.Unlock()
	return n
}

func (h *fakeHost) Calls(n *fakeNative) [][]uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([][]uintptr(nil), n.calls...)
}

func (h *fakeHost) Invokes() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.invokes
}

func (h *fakeHost) putU32(t *testing.T, addr uintptr, v uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	require.NoError(t, h.WriteMemory(addr, buf))
}

func (h *fakeHost) putWString(t *testing.T, s string) uintptr {
	t.Helper()
	data := encodeWString(s, maxHostString)
	addr, err := h.Alloc(len(data), false)
	require.NoError(t, err)
	require.NoError(t, h.WriteMemory(addr, data))
	return addr
}

func (h *fakeHost) putCString(t *testing.T, s string) uintptr {
	t.Helper()
	addr, err := h.Alloc(len(s)+1, false)
	require.NoError(t, err)
	require.NoError(t, h.WriteMemory(addr, append([]byte(s), 0)))
	return addr
}

type fakeEntity struct {
	extent uint16
	x, y   float32
}

// putEntities builds a list following layout and points the root at it.
// It returns the record addresses in list order.
func (h *fakeHost) putEntities(t *testing.T, layout Layout, ents ...fakeEntity) []uintptr {
	t.Helper()

	h.Map(layout.Root, 4)

	addrs := make([]uintptr, len(ents))
	for i := range ents {
		addr, err := h.Alloc(layout.Size, false)
		require.NoError(t, err)
		addrs[i] = addr
	}

	for i, e := range ents {
		rec := make([]byte, layout.Size)
		binary.LittleEndian.PutUint16(rec[layout.ExtentOffset:], e.extent)
		binary.LittleEndian.PutUint32(rec[layout.XOffset:], math.Float32bits(e.x))
		binary.LittleEndian.PutUint32(rec[layout.YOffset:], math.Float32bits(e.y))
		if i+1 < len(addrs) {
			binary.LittleEndian.PutUint32(rec[layout.NextOffset:], uint32(addrs[i+1]))
		}
		require.NoError(t, h.WriteMemory(addrs[i], rec))
	}

	root := uint32(0)
	if len(addrs) > 0 {
		root = uint32(addrs[0])
	}
	h.putU32(t, layout.Root, root)

	return addrs
}

func (h *fakeHost) position(t *testing.T, layout Layout, addr uintptr) (float32, float32) {
	t.Helper()
	x, err := readF32(h, addr+layout.XOffset)
	require.NoError(t, err)
	y, err := readF32(h, addr+layout.YOffset)
	require.NoError(t, err)
	return x, y
}

// testPrinter records everything printed to it.
type testPrinter struct {
	mu     sync.Mutex
	colors []TextColor
	lines  []string
}

func (p *testPrinter) Print(color TextColor, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.colors = append(p.colors, color)
	p.lines = append(p.lines, text)
	return nil
}

func (p *testPrinter) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.lines...)
}

// vim: ai:ts=8:sw=8:noet:syntax=go
