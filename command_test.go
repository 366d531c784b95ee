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
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"> /hax entities -d", EntitiesCommand{Dump: true}},
		{"> /hax entities --dump", EntitiesCommand{Dump: true}},
		{"> /hax entities", EntitiesCommand{}},
		{"> /hax enable -c", EnableCommand{Circle: true}},
		{"> /hax   enable   --circle  ", EnableCommand{Circle: true}},
		{"> /hax disable -c", DisableCommand{Circle: true}},
		{"> /hax run warp 10 20", RunCommand{Name: "warp", Args: []string{"10", "20"}}},
		{"> /hax run where", RunCommand{Name: "where", Args: []string{}}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestParseLine_Errors(t *testing.T) {
	tests := []struct {
		line      string
		wantText  string
		wantUsage string
	}{
		{"> /hax", "required subcommand not provided", "Usage: hax <command>"},
		{"> /hax bogus", "unrecognized argument: bogus", "Usage: hax <command>"},
		{"> /hax entities -x", "unknown shorthand flag", "Usage: hax entities"},
		{"> /hax entities --dump extra", "unrecognized argument: extra", "Usage: hax entities"},
		{"> /hax enable --square", "unknown flag: --square", "Usage: hax enable"},
		{"> /hax run", "'name' not provided", "Usage: hax run"},
		{"> /hax run --all", "'name' not provided", "Usage: hax run"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseLine(tt.line)
			assert.Nil(t, cmd)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Contains(t, perr.Error(), tt.wantText)

			out := perr.Output()
			assert.True(t, strings.HasPrefix(out, perr.Error()+"\n"))
			assert.Contains(t, out, tt.wantUsage)
		})
	}
}

func TestParse_Help(t *testing.T) {
	for _, arg := range []string{"help", "-h", "--help"} {
		_, err := Parse([]string{arg})

		var perr *ParseError
		require.True(t, errors.As(err, &perr))
		assert.ErrorIs(t, err, pflag.ErrHelp)
		assert.Equal(t, usage, perr.Output())
	}

	_, err := Parse([]string{"entities", "--help"})
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, pflag.ErrHelp)
	assert.Contains(t, perr.Output(), "--dump")
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "hax entities {Dump:true}", EntitiesCommand{Dump: true}.String())
	assert.Equal(t, "hax enable {Circle:true}", EnableCommand{Circle: true}.String())
	assert.Equal(t, "hax disable {Circle:false}", DisableCommand{}.String())
	assert.Equal(t, `hax run warp ["1" "2"]`, RunCommand{Name: "warp", Args: []string{"1", "2"}}.String())
}

// vim: ai:ts=8:sw=8:noet:syntax=go
