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
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/arch/x86/x86asm"
)

// Signature describes the shape of a hooked host function.
type Signature struct {
	Name    string
	Conv    CallConv
	NumArgs int
}

type HookState int

const (
	Uninstalled HookState = iota
	Installed
)

func (s HookState) String() string {
	if s == Installed {
		return "installed"
	}
	return "uninstalled"
}

// Replacement runs in place of a hooked function. original calls the
// unhooked code; the returned value goes back to the host in EAX.
type Replacement func(original *Proxy, args []uintptr) uintptr

var (
	ErrAlreadyHooked       = errors.New("target is already hooked")
	ErrNotInstalled        = errors.New("hook is not installed")
	ErrRelativeInstruction = errors.New("relative address in instruction")
	ErrFunctionTooShort    = errors.New("function is too short to patch")
	ErrPatchFailed         = errors.New("cannot patch target")
)

// HookError is returned for every failed installation.
type HookError struct {
	Name   string
	Target uintptr
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s at %#x: %s", e.Name, e.Target, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// Hook is one redirected function.
type Hook struct {
	Target uintptr
	Sig    Signature

	state      HookState
	stolen     []byte
	trampoline uintptr
	gateway    uintptr
	proxy      *Proxy
}

type HookInfo struct {
	Name       string  `json:"name"`
	Target     uintptr `json:"target"`
	Trampoline uintptr `json:"trampoline"`
	Gateway    uintptr `json:"gateway"`
	Stolen     int     `json:"stolen"`
	State      string  `json:"state"`
}

// Registry owns the set of installed hooks in one host process.
type Registry struct {
	host Host
	log  zerolog.Logger

	mu    sync.Mutex
	hooks map[uintptr]*Hook
	spare map[uintptr]block // trampolines of removed or failed hooks, by target
}

type block struct {
	addr uintptr
	size int
}

func NewRegistry(host Host, log zerolog.Logger) *Registry {
	return &Registry{
		host:  host,
		log:   log.With().Str("component", "hooks").Logger(),
		hooks: make(map[uintptr]*Hook),
		spare: make(map[uintptr]block),
	}
}

const (
	jmpRel32Size = 5
	maxInstLen   = 15
)

func jmpRel32(from, to uintptr) []byte {
	buf := []byte{0xE9, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(buf[1:], uint32(to-(from+jmpRel32Size)))
	return buf
}

// stolenLength returns the number of bytes of whole instructions that have
// to be moved into the trampoline to make room for a jmp rel32.
func stolenLength(code []byte) (int, error) {
	n := 0
	for n < jmpRel32Size {
		inst, err := x86asm.Decode(code[n:], 32)
		if err != nil {
			return 0, fmt.Errorf("cannot decode instruction at +%d: %w", n, err)
		}

		if inst.PCRel != 0 {
			return 0, fmt.Errorf("%w: %s at +%d", ErrRelativeInstruction, inst, n)
		}

		switch inst.Op {
		case x86asm.RET, x86asm.LRET, x86asm.INT, x86asm.JMP:
			return 0, fmt.Errorf("%w: %s at +%d", ErrFunctionTooShort, inst, n)
		}

		n += inst.Len
	}

	return n, nil
}

// Install redirects target to repl. The original entry point stays
// reachable through the hook's trampoline.
func (r *Registry) Install(target uintptr, sig Signature, repl Replacement) (*Hook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fail := func(err error) (*Hook, error) {
		return nil, &HookError{Name: sig.Name, Target: target, Err: err}
	}

	if _, ok := r.hooks[target]; ok {
		return fail(ErrAlreadyHooked)
	}

	code, err := r.host.ReadMemory(target, jmpRel32Size-1+maxInstLen)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPatchFailed, err))
	}

	n, err := stolenLength(code)
	if err != nil {
		return fail(err)
	}

	stolen := append([]byte(nil), code[:n]...)

	// host memory is never freed, a trampoline is kept for the next
	// install on the same target
	tb, ok := r.spare[target]
	if !ok || tb.size < n+jmpRel32Size {
		addr, err := r.host.Alloc(n+jmpRel32Size, true)
		if err != nil {
			return fail(fmt.Errorf("cannot allocate trampoline: %w", err))
		}
		tb = block{addr: addr, size: n + jmpRel32Size}
	}
	trampoline := tb.addr
	r.spare[target] = tb

	tcode := append(append([]byte(nil), stolen...), jmpRel32(trampoline+uintptr(n), target+uintptr(n))...)
	if err := r.host.WriteMemory(trampoline, tcode); err != nil {
		return fail(fmt.Errorf("%w: cannot write trampoline: %w", ErrPatchFailed, err))
	}

	proxy := newProxy(r.host, trampoline, sig)
	gateway, err := r.host.OpenGateway(sig.Conv, sig.NumArgs, func(args []uintptr) uintptr {
		return repl(proxy, args)
	})
	if err != nil {
		return fail(err)
	}

	patch := jmpRel32(target, gateway)
	for len(patch) < n {
		patch = append(patch, 0x90) // NOP
	}

	if err := r.host.WriteMemory(target, patch); err != nil {
		if cerr := r.host.CloseGateway(gateway); cerr != nil {
			r.log.Warn().Err(cerr).Msg("cannot close gateway")
		}
		return fail(fmt.Errorf("%w: %w", ErrPatchFailed, err))
	}

	h := &Hook{
		Target:     target,
		Sig:        sig,
		state:      Installed,
		stolen:     stolen,
		trampoline: trampoline,
		gateway:    gateway,
		proxy:      proxy,
	}
	proxy.valid.Store(true)
	r.hooks[target] = h
	delete(r.spare, target)

	r.log.Info().
		Str("hook", sig.Name).
		Str("target", fmt.Sprintf("%#x", target)).
		Str("trampoline", fmt.Sprintf("%#x", trampoline)).
		Str("gateway", fmt.Sprintf("%#x", gateway)).
		Int("stolen", n).
		Msg("hook installed")

	return h, nil
}

// Uninstall puts the stolen bytes back. Calling it on an uninstalled hook
// does nothing. When the restore fails the hook stays installed and its
// gateway stays open, so the host never jumps into a closed gateway.
func (r *Registry) Uninstall(h *Hook) error {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h.state != Installed {
		return nil
	}

	if err := r.host.WriteMemory(h.Target, h.stolen); err != nil {
		return &HookError{Name: h.Sig.Name, Target: h.Target, Err: fmt.Errorf("cannot restore: %w", err)}
	}

	h.proxy.valid.Store(false)
	h.state = Uninstalled
	delete(r.hooks, h.Target)
	r.spare[h.Target] = block{addr: h.trampoline, size: len(h.stolen) + jmpRel32Size}

	if err := r.host.CloseGateway(h.gateway); err != nil {
		r.log.Warn().Err(err).Str("hook", h.Sig.Name).Msg("cannot close gateway")
	}

	r.log.Info().Str("hook", h.Sig.Name).Msg("hook removed")

	return nil
}

// UninstallAll is the detach path: it never fails, it only logs.
func (r *Registry) UninstallAll() {
	r.mu.Lock()
	hooks := make([]*Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		hooks = append(hooks, h)
	}
	r.mu.Unlock()

	for _, h := range hooks {
		if err := r.Uninstall(h); err != nil {
			r.log.Error().Err(err).Msg("cannot uninstall hook")
		}
	}
}

// CallThrough runs the original code of h. The registry lock is released
// before the call, the original may reach another hook.
func (r *Registry) CallThrough(h *Hook, args ...uintptr) (uintptr, error) {
	r.mu.Lock()
	if h == nil || h.state != Installed {
		r.mu.Unlock()
		return 0, ErrNotInstalled
	}
	proxy := h.proxy
	r.mu.Unlock()

	return proxy.Call(args...)
}

func (r *Registry) State(h *Hook) HookState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return h.state
}

func (r *Registry) Hooks() []HookInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]HookInfo, 0, len(r.hooks))
	for _, h := range r.hooks {
		result = append(result, HookInfo{
			Name:       h.Sig.Name,
			Target:     h.Target,
			Trampoline: h.trampoline,
			Gateway:    h.gateway,
			Stolen:     len(h.stolen),
			State:      h.state.String(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Target < result[j].Target
	})

	return result
}

// vim: ai:ts=8:sw=8:noet:syntax=go
