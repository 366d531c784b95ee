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
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// options are the flags shared by every subcommand.
type options struct {
	configDir string
	listen    string
	logLevel  string
	logPretty bool
	noPanel   bool
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.configDir, "config-dir", "", "directory holding config.json and script.anko")
	fs.StringVar(&o.listen, "listen", "", "panel address (overrides the config)")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (overrides the config)")
	fs.BoolVar(&o.logPretty, "log-pretty", true, "human-readable log output")
	fs.BoolVar(&o.noPanel, "no-panel", false, "do not start the web panel")
}

// load reads the config and applies the flags that were set on top of it.
func (o *options) load(cmd *cobra.Command) (*Config, zerolog.Logger, error) {
	config := &Config{}
	if err := config.Init(o.configDir); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("cannot init config system: %w", err)
	}
	if err := config.Load(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("error loading config file: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		config.Listen = o.listen
	}
	if flags.Changed("log-level") {
		config.LogLevel = o.logLevel
	}
	if flags.Changed("log-pretty") {
		config.LogPretty = o.logPretty
	}

	log := newLogger(os.Stderr, config.LogLevel, config.LogPretty)
	log.Debug().Str("dir", config.Dir()).Msg("config loaded")
	return config, log, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "noxhax",
		Short:         "External console commands and entity tools for Nox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(root.PersistentFlags())

	root.AddCommand(newAttachCmd(opts))
	root.AddCommand(newLaunchCmd(opts))
	root.AddCommand(newCommandsCmd(opts))

	return root
}

func newAttachCmd(opts *options) *cobra.Command {
	var pid int

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a running game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, log, err := opts.load(cmd)
			if err != nil {
				return err
			}

			return run(config, opts, log, func() (Target, error) {
				return attachHost(pid, log)
			})
		},
	}

	cmd.Flags().IntVarP(&pid, "pid", "p", 0, "process id of the game (required)")
	if err := cmd.MarkFlagRequired("pid"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to mark flag as required: %v\n", err)
	}

	return cmd
}

func newLaunchCmd(opts *options) *cobra.Command {
	var wrapper string

	cmd := &cobra.Command{
		Use:   "launch [exe [args...]]",
		Short: "Start the game and attach to it",
		Long: "Start the game and attach to it. Without arguments the executable " +
			"and its arguments come from the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, log, err := opts.load(cmd)
			if err != nil {
				return err
			}

			exe, hostArgs := config.HostExe, config.Args()
			if len(args) > 0 {
				exe, hostArgs = args[0], args[1:]
			}
			if cmd.Flags().Changed("wrapper") {
				config.Wrapper = wrapper
			}

			return run(config, opts, log, func() (Target, error) {
				return launchHost(exe, hostArgs, config.Wrapper, log)
			})
		},
	}

	cmd.Flags().StringVarP(&wrapper, "wrapper", "w", "", "program that runs the game, e.g. wine")

	return cmd
}

// newCommandsCmd lists the script commands without touching the game.
func newCommandsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List the commands defined by the script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, log, err := opts.load(cmd)
			if err != nil {
				return err
			}

			scripts := NewScriptEngine(nil, nil, log)
			if err := scripts.Load(config.Script); err != nil {
				return err
			}
			for _, name := range scripts.Commands() {
				cmd.Println(name)
			}
			return nil
		},
	}
}

// run owns the host from attach to detach. Every ptrace or debug request has
// to come from one OS thread, so run keeps its goroutine locked.
func run(config *Config, opts *options, log zerolog.Logger, attach func() (Target, error)) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	target, err := attach()
	if err != nil {
		return err
	}

	sess := NewSession(target, NoxBuild, SessionOpts{
		CircleRadius: config.CircleRadius,
		CirclePeriod: config.CirclePeriod(),
	}, log)

	if err := sess.Scripts.Load(config.Script); err != nil {
		log.Error().Err(err).Msg("script is not loaded")
	}

	if err := sess.Attach(); err != nil {
		log.Warn().Err(err).Msg("running with some hooks missing")
	}

	if err := target.Resume(); err != nil {
		sess.Detach()
		target.Detach()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !opts.noPanel {
		panel := NewPanel(sess, config, target.Pid(), log)
		go func() {
			if err := panel.Serve(ctx, config.Listen); err != nil {
				log.Error().Err(err).Msg("panel has stopped")
			}
		}()
	}

	if config.IRC.Enabled() {
		relay := NewIRCRelay(config.IRC, sess.Dispatcher, log)
		go relay.Run(ctx)
	}

	err = target.Run(ctx)
	if errors.Is(err, ErrProcessGone) {
		log.Info().Msg("host has exited")
		sess.Motion.StopAll()
		sess.Feed.Close()
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("tracing has failed")
		if herr := target.Halt(); herr != nil {
			log.Error().Err(herr).Msg("cannot halt the host")
		}
	}

	sess.Detach()
	if derr := target.Detach(); derr != nil {
		log.Error().Err(derr).Msg("detach has failed")
	}
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// vim: ai:ts=8:sw=8:noet:syntax=go
