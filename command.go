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
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// TriggerPrefix marks a console line as a command for us.
const TriggerPrefix = "> /hax"

// Command is one of EntitiesCommand, EnableCommand, DisableCommand or
// RunCommand.
type Command interface {
	fmt.Stringer
	isCommand()
}

type EntitiesCommand struct {
	Dump bool
}

type EnableCommand struct {
	Circle bool
}

type DisableCommand struct {
	Circle bool
}

type RunCommand struct {
	Name string
	Args []string
}

func (EntitiesCommand) isCommand() {}
func (EnableCommand) isCommand()   {}
func (DisableCommand) isCommand()  {}
func (RunCommand) isCommand()      {}

func (c EntitiesCommand) String() string {
	return fmt.Sprintf("hax entities %+v", struct{ Dump bool }(c))
}

func (c EnableCommand) String() string {
	return fmt.Sprintf("hax enable %+v", struct{ Circle bool }(c))
}

func (c DisableCommand) String() string {
	return fmt.Sprintf("hax disable %+v", struct{ Circle bool }(c))
}

func (c RunCommand) String() string {
	return fmt.Sprintf("hax run %s %q", c.Name, c.Args)
}

// ParseError carries the text shown to the user instead of running anything.
type ParseError struct {
	Err   error
	Usage string
}

func (e *ParseError) Error() string {
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Output is what gets written back to the console.
func (e *ParseError) Output() string {
	if errors.Is(e.Err, pflag.ErrHelp) {
		return e.Usage
	}
	return e.Err.Error() + "\n" + e.Usage
}

const usage = `Usage: hax <command> [<args>]

Nox in-game Hax CLI

Commands:
  entities          Map entities
  enable            Enable a mode
  disable           Disable a mode
  run               Run a script command`

// ParseLine parses a console line that starts with TriggerPrefix.
func ParseLine(line string) (Command, error) {
	return Parse(strings.Fields(strings.TrimPrefix(line, TriggerPrefix)))
}

func Parse(args []string) (Command, error) {
	if len(args) == 0 {
		return nil, &ParseError{Err: errors.New("required subcommand not provided"), Usage: usage}
	}

	switch args[0] {
	case "entities":
		fs := newFlagSet("entities")
		dump := fs.BoolP("dump", "d", false, "dump all entities")
		if err := parseFlags(fs, args[1:]); err != nil {
			return nil, err
		}
		return EntitiesCommand{Dump: *dump}, nil

	case "enable":
		fs := newFlagSet("enable")
		circle := fs.BoolP("circle", "c", false, "enable circle mode")
		if err := parseFlags(fs, args[1:]); err != nil {
			return nil, err
		}
		return EnableCommand{Circle: *circle}, nil

	case "disable":
		fs := newFlagSet("disable")
		circle := fs.BoolP("circle", "c", false, "stop every circle")
		if err := parseFlags(fs, args[1:]); err != nil {
			return nil, err
		}
		return DisableCommand{Circle: *circle}, nil

	case "run":
		if len(args) < 2 || strings.HasPrefix(args[1], "-") {
			return nil, &ParseError{
				Err:   errors.New("required positional argument 'name' not provided"),
				Usage: "Usage: hax run <name> [<args>...]",
			}
		}
		return RunCommand{Name: args[1], Args: args[2:]}, nil

	case "help", "-h", "--help":
		return nil, &ParseError{Err: pflag.ErrHelp, Usage: usage}
	}

	return nil, &ParseError{
		Err:   fmt.Errorf("unrecognized argument: %s", args[0]),
		Usage: usage,
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	usage := fmt.Sprintf("Usage: hax %s [<flags>]\n\nOptions:\n%s", fs.Name(), strings.TrimRight(fs.FlagUsages(), "\n"))

	if err := fs.Parse(args); err != nil {
		return &ParseError{Err: err, Usage: usage}
	}

	if fs.NArg() > 0 {
		return &ParseError{
			Err:   fmt.Errorf("unrecognized argument: %s", fs.Arg(0)),
			Usage: usage,
		}
	}

	return nil
}

// vim: ai:ts=8:sw=8:noet:syntax=go
