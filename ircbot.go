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
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/irc.v3"
)

// IRCTrigger starts a channel message meant for us.
const IRCTrigger = "!hax"

// MessageWriter is the part of irc.Client the relay writes through.
type MessageWriter interface {
	WriteMessage(m *irc.Message) error
}

// IRCRelay lets a channel run hax commands.
type IRCRelay struct {
	Config     IRCConfig
	Dispatcher *Dispatcher

	log zerolog.Logger

	mu     sync.Mutex
	online bool
	conn   net.Conn
	client *irc.Client
}

func NewIRCRelay(config IRCConfig, dispatcher *Dispatcher, log zerolog.Logger) *IRCRelay {
	return &IRCRelay{
		Config:     config,
		Dispatcher: dispatcher,
		log:        log.With().Str("component", "irc").Str("server", config.Server).Logger(),
	}
}

// channelPrinter sends command output back to the channel.
type channelPrinter struct {
	w       MessageWriter
	channel string
}

func (p *channelPrinter) Print(color TextColor, text string) error {
	if text == "" {
		return nil
	}
	return p.w.WriteMessage(&irc.Message{
		Command: "PRIVMSG",
		Params:  []string{p.channel, text},
	})
}

func (b *IRCRelay) channel() string {
	ch := b.Config.Channel
	if !strings.HasPrefix(ch, "#") {
		ch = "#" + ch
	}
	return ch
}

// ProcessMessage runs msg if it starts with IRCTrigger.
func (b *IRCRelay) ProcessMessage(ctx context.Context, w MessageWriter, from, msg string) error {
	flds := strings.Fields(msg)
	if len(flds) == 0 || flds[0] != IRCTrigger {
		return nil
	}

	b.log.Info().Str("from", from).Str("message", msg).Msg("command")

	out := &channelPrinter{w: w, channel: b.channel()}
	return b.Dispatcher.RunLine(ctx, flds[1:], out)
}

func (b *IRCRelay) Handle(c *irc.Client, m *irc.Message) {
	if m.Command == "001" {
		// 001 is a welcome event, so we join channels there
		c.Write("JOIN " + b.channel())
	} else if m.Command == "PRIVMSG" && c.FromChannel(m) {
		if m.Prefix == nil {
			b.log.Warn().Str("message", m.String()).Msg("bogus message")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := b.ProcessMessage(ctx, c, m.Prefix.Name, m.Trailing())
		if err != nil {
			b.log.Warn().Err(err).Msg("command failed")
		}
	}
}

func (b *IRCRelay) IsOnline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.online
}

func (b *IRCRelay) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: 10 * time.Second}
	if b.Config.TLS {
		td := &tls.Dialer{NetDialer: d}
		return td.DialContext(ctx, "tcp", b.Config.Server)
	}
	return d.DialContext(ctx, "tcp", b.Config.Server)
}

func (b *IRCRelay) runOnce(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}

	nick := b.Config.Nick
	if nick == "" {
		nick = "noxhax"
	}

	client := irc.NewClient(conn, irc.ClientConfig{
		Nick:    nick,
		Pass:    b.Config.Pass,
		User:    nick,
		Name:    nick,
		Handler: b,
	})

	b.mu.Lock()
	b.conn = conn
	b.client = client
	b.online = true
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	err = client.Run()

	b.mu.Lock()
	b.online = false
	b.conn.Close()
	b.conn = nil
	b.client = nil
	b.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Run keeps the relay connected until ctx is done.
func (b *IRCRelay) Run(ctx context.Context) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()

	for {
		b.log.Info().Str("channel", b.channel()).Msg("connecting")
		if err := b.runOnce(ctx); err != nil {
			b.log.Error().Err(err).Msg("IRC error")
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (b *IRCRelay) String() string {
	state := "offline"
	if b.IsOnline() {
		state = "online"
	}
	return fmt.Sprintf("%s on %s (%s)", b.channel(), b.Config.Server, state)
}

// vim: ai:ts=8:sw=8:noet:syntax=go
