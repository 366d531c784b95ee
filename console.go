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
	"sync"
	"time"
)

type ConsoleLine struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Color TextColor `json:"color"`
	Text  string    `json:"text"`
}

// ConsoleFeed keeps the last few console lines seen by the hook and fans
// new ones out to subscribers.
type ConsoleFeed struct {
	mu     sync.Mutex
	cv     *sync.Cond
	lines  []ConsoleLine
	limit  int
	seq    uint64
	closed bool
}

func NewConsoleFeed(limit int) *ConsoleFeed {
	f := &ConsoleFeed{limit: limit}
	f.cv = sync.NewCond(&f.mu)
	return f
}

func (f *ConsoleFeed) Publish(line ConsoleLine) {
	f.mu.Lock()
	f.seq++
	line.Seq = f.seq
	if line.Time.IsZero() {
		line.Time = time.Now()
	}
	f.lines = append(f.lines, line)
	if len(f.lines) > f.limit {
		f.lines = f.lines[len(f.lines)-f.limit:]
	}
	f.mu.Unlock()

	f.cv.Broadcast()
}

// Recent returns up to the last limit lines, oldest first.
func (f *ConsoleFeed) Recent() []ConsoleLine {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]ConsoleLine(nil), f.lines...)
}

// Close wakes every subscriber and ends their channels.
func (f *ConsoleFeed) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.cv.Broadcast()
}

// Subscribe delivers every line published after the call until ctx is done
// or the feed is closed. A subscriber that falls behind by more than the
// feed limit skips the lines it missed.
func (f *ConsoleFeed) Subscribe(ctx context.Context) <-chan ConsoleLine {
	ch := make(chan ConsoleLine)

	f.mu.Lock()
	last := f.seq
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cv.Broadcast()
	})

	go func() {
		defer close(ch)
		defer stop()

		for {
			f.mu.Lock()
			for f.seq == last && !f.closed && ctx.Err() == nil {
				f.cv.Wait()
			}
			if f.closed || ctx.Err() != nil {
				f.mu.Unlock()
				return
			}

			var pending []ConsoleLine
			for _, line := range f.lines {
				if line.Seq > last {
					pending = append(pending, line)
				}
			}
			last = f.seq
			f.mu.Unlock()

			for _, line := range pending {
				select {
				case <-ctx.Done():
					return
				case ch <- line:
				}
			}
		}
	}()

	return ch
}

// vim: ai:ts=8:sw=8:noet:syntax=go
