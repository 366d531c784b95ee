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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type TextColor uint32

const (
	Black TextColor = iota + 1
	Grey
	White
	White2
	DarkRed
	Red
	LightRed
	DarkGreen
	Green
	LightGreen
	DarkBlue
	Blue
	LightBlue
	DarkYellow
	Yellow
	LightYellow
)

var textColorNames = [...]string{
	"Black", "Grey", "White", "White2", "DarkRed", "Red", "LightRed",
	"DarkGreen", "Green", "LightGreen", "DarkBlue", "Blue", "LightBlue",
	"DarkYellow", "Yellow", "LightYellow",
}

func (c TextColor) String() string {
	if c >= Black && c <= LightYellow {
		return textColorNames[c-Black]
	}
	return fmt.Sprintf("TextColor(%d)", uint32(c))
}

// Printer writes command output back to wherever the command came from.
type Printer interface {
	Print(color TextColor, text string) error
}

// EchoGuard remembers that the line we just echoed must not be read as a
// new command.
type EchoGuard struct {
	mu      sync.Mutex
	pending bool
}

func (g *EchoGuard) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending = true
}

// Consume reports whether the guard was armed and disarms it.
func (g *EchoGuard) Consume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	was := g.pending
	g.pending = false
	return was
}

// Dispatcher turns console lines into commands and runs them.
type Dispatcher struct {
	Entities *EntityList
	Motion   *MotionController
	Scripts  *ScriptEngine
	Feed     *ConsoleFeed

	host  Host
	guard EchoGuard
	log   zerolog.Logger

	scratchMu sync.Mutex
	scratch   uintptr
}

const scratchSize = 4096

var ErrNoScripts = errors.New("scripting is not available")

func NewDispatcher(host Host, entities *EntityList, motion *MotionController, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Entities: entities,
		Motion:   motion,
		host:     host,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Execute runs an already parsed command.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command, out Printer) error {
	switch c := cmd.(type) {
	case EntitiesCommand:
		if !c.Dump {
			return nil
		}
		infos, err := d.Entities.Dump(ctx)
		if err != nil {
			return err
		}
		return out.Print(White, fmt.Sprintf("%d entities dumped", len(infos)))

	case EnableCommand:
		if !c.Circle {
			return nil
		}
		m, err := d.Motion.Start(ctx)
		if err != nil {
			return err
		}
		return out.Print(White, fmt.Sprintf(
			"circle %d around (%g, %g), radius %g",
			m.ID, m.Circle.OriginX, m.Circle.OriginY, m.Circle.Radius,
		))

	case DisableCommand:
		if !c.Circle {
			return nil
		}
		n := d.Motion.StopAll()
		return out.Print(White, fmt.Sprintf("%d circles stopped", n))

	case RunCommand:
		if d.Scripts == nil {
			return ErrNoScripts
		}
		return d.Scripts.Run(ctx, c.Name, c.Args, out)
	}

	return fmt.Errorf("unhandled command %T", cmd)
}

// RunLine parses args and executes the command. Parse errors go to out and
// are returned too.
func (d *Dispatcher) RunLine(ctx context.Context, args []string, out Printer) error {
	cmd, err := Parse(args)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			printLines(out, LightRed, perr.Output())
		}
		return err
	}

	if err := d.Execute(ctx, cmd, out); err != nil {
		printLines(out, LightRed, err.Error())
		return err
	}

	return nil
}

func printLines(out Printer, color TextColor, text string) {
	for _, line := range strings.Split(text, "\n") {
		_ = out.Print(color, line)
	}
}

// ConsoleWrite replaces the game's console print function:
// BOOL __cdecl (TextColor color, const wchar_t *message).
func (d *Dispatcher) ConsoleWrite(original *Proxy, args []uintptr) uintptr {
	color, message := TextColor(args[0]), args[1]

	text, err := readWString(d.host, message)
	if err != nil {
		d.log.Warn().Err(err).Msg("cannot read console message")
		return passThrough(d.log, original, args)
	}

	d.log.Debug().Stringer("color", color).Str("message", text).Msg("console write")

	if d.Feed != nil {
		d.Feed.Publish(ConsoleLine{Color: color, Text: text})
	}

	if d.guard.Consume() {
		return 1
	}

	if !strings.HasPrefix(text, TriggerPrefix) {
		return passThrough(d.log, original, args)
	}

	d.guard.Arm()

	console := &hostConsole{d: d, original: original}
	if _, err := original.Call(uintptr(LightBlue), message); err != nil {
		d.log.Warn().Err(err).Msg("cannot echo command")
	}

	cmd, err := ParseLine(text)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			printLines(console, LightRed, perr.Output())
		}
		return 1
	}

	_ = console.Print(White, cmd.String())

	if err := d.Execute(context.Background(), cmd, console); err != nil {
		d.log.Warn().Err(err).Stringer("command", cmd).Msg("command failed")
		printLines(console, LightRed, err.Error())
	}

	return 1
}

// SpawnItem replaces the game's item spawner:
// int __cdecl (const char *name).
func (d *Dispatcher) SpawnItem(original *Proxy, args []uintptr) uintptr {
	name, err := readCString(d.host, args[0])
	if err != nil {
		d.log.Warn().Err(err).Msg("cannot read item name")
	} else {
		d.log.Info().Str("item", name).Msg("spawn item")
	}

	return passThrough(d.log, original, args)
}

func passThrough(log zerolog.Logger, original *Proxy, args []uintptr) uintptr {
	ret, err := original.Call(args...)
	if err != nil {
		log.Error().Err(err).Str("hook", original.Signature().Name).Msg("call through failed")
	}
	return ret
}

// hostConsole prints through the original console function. The text is
// copied into a scratch buffer inside the game first.
type hostConsole struct {
	d        *Dispatcher
	original *Proxy
}

func (c *hostConsole) Print(color TextColor, text string) error {
	d := c.d
	d.scratchMu.Lock()
	defer d.scratchMu.Unlock()

	if d.scratch == 0 {
		addr, err := d.host.Alloc(scratchSize, false)
		if err != nil {
			return fmt.Errorf("cannot allocate console scratch: %w", err)
		}
		d.scratch = addr
	}

	if err := d.host.WriteMemory(d.scratch, encodeWString(text, scratchSize)); err != nil {
		return fmt.Errorf("cannot write to console scratch: %w", err)
	}

	_, err := c.original.Call(uintptr(color), d.scratch)
	return err
}

// vim: ai:ts=8:sw=8:noet:syntax=go
