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
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type IRCConfig struct {
	Server  string `json:"server,omitempty"`
	TLS     bool   `json:"tls,omitempty"`
	Nick    string `json:"nick,omitempty"`
	Pass    string `json:"pass,omitempty"`
	Channel string `json:"channel,omitempty"`
}

func (c IRCConfig) Enabled() bool {
	return c.Server != "" && c.Channel != ""
}

type Config struct {
	HostExe        string    `json:"host_exe"`
	HostArgs       string    `json:"host_args"`
	Wrapper        string    `json:"wrapper,omitempty"`
	Listen         string    `json:"listen"`
	CircleRadius   float32   `json:"circle_radius"`
	CirclePeriodMs int       `json:"circle_period_ms"`
	LogLevel       string    `json:"log_level"`
	LogPretty      bool      `json:"log_pretty"`
	IRC            IRCConfig `json:"irc"`
	Script         string    `json:"-"`

	configDir string
}

func (c *Config) SetDefaultScript() {
	c.Script = `
cmd_where = func() {
  p = player()
  say("player %#x at %.1f, %.1f", p.Addr, p.X, p.Y)
}

cmd_warp = func(x, y) {
  if move(float(x), float(y)) {
    say("warped to %s, %s", x, y)
  }
}

cmd_push = func(dx, dy) {
  nudge(float(dx), float(dy))
}

cmd_count = func() {
  say("%d entities", len(entities()))
}

cmd_spin = func() {
  say("circle %d started", circle())
}

cmd_halt = func() {
  say("%d circles stopped", stop())
}
`
}

func (c *Config) SetDefaults() {
	c.HostExe = "path/to/GAME.exe"
	c.HostArgs = "-window\n"
	c.Wrapper = ""
	c.Listen = "localhost:8667"
	c.CircleRadius = 100
	c.CirclePeriodMs = 3000
	c.LogLevel = "info"
	c.LogPretty = true
	c.IRC = IRCConfig{}
}

func (c *Config) CirclePeriod() time.Duration {
	return time.Duration(c.CirclePeriodMs) * time.Millisecond
}

// Init picks the config directory. An empty dir means
// os.UserConfigDir()/noxhax.
func (c *Config) Init(dir string) error {
	if dir == "" {
		cfgdir, err := os.UserConfigDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(cfgdir, "noxhax")
	}

	c.configDir = dir

	err := os.MkdirAll(c.configDir, 0777)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}

	return nil
}

func (c *Config) Dir() string {
	return c.configDir
}

func (c *Config) Load() error {
	for _, fn := range []func() error{c.LoadConfig, c.LoadScript} {
		err := fn()
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig fills in defaults first, so a config file written by an
// older version keeps working.
func (c *Config) LoadConfig() error {
	c.SetDefaults()

	f, err := os.Open(filepath.Join(c.configDir, "config.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	err = dec.Decode(c)
	if err != nil {
		return err
	}

	return nil
}

func (c *Config) LoadScript() error {
	b, err := os.ReadFile(filepath.Join(c.configDir, "script.anko"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.SetDefaultScript()
			return nil
		}

		return err
	}

	c.Script = string(b)
	return nil
}

func (c Config) Save() error {
	for _, fn := range []func() error{c.SaveConfig, c.SaveScript} {
		err := fn()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Config) SaveConfig() error {
	f, err := os.OpenFile(filepath.Join(c.configDir, "config.json"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "    ")
	err = enc.Encode(c)
	if err != nil {
		return err
	}

	return nil
}

func (c Config) SaveScript() error {
	return os.WriteFile(filepath.Join(c.configDir, "script.anko"), []byte(c.Script), 0666)
}

// Args splits HostArgs the way the launcher expects it: one argument per
// line, "#" starts a comment, and a line starting with "-" or "+" may carry
// its value after the first space.
func (c Config) Args() []string {
	var args []string
	for _, line := range strings.Split(c.HostArgs, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] == '#' {
			continue
		}

		if line[0] == '-' || line[0] == '+' {
			idx := strings.IndexRune(line, ' ')
			if idx == -1 {
				args = append(args, line)
			} else {
				args = append(args, line[0:idx], line[idx+1:])
			}
		} else {
			args = append(args, line)
		}
	}
	return args
}

// vim: ai:ts=8:sw=8:noet:syntax=go
