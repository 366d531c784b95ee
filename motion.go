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
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	circleSteps = 360
	circleStep  = 0.01745 // radians per step, close enough to one degree
)

// PlayerCircle is captured once when a motion starts.
type PlayerCircle struct {
	OriginX float32 `json:"origin_x"`
	OriginY float32 `json:"origin_y"`
	Radius  float32 `json:"radius"`
}

// Point returns the position for the given step.
func (pc PlayerCircle) Point(step int) (x, y float32) {
	angle := float64(float32(step%circleSteps) * circleStep)
	x = pc.OriginX + pc.Radius*float32(math.Cos(angle))
	y = pc.OriginY + pc.Radius*float32(math.Sin(angle))
	return
}

// Motion is one running circle. It keeps writing the player's position
// until stopped or until a write fails.
type Motion struct {
	ID     int          `json:"id"`
	Circle PlayerCircle `json:"circle"`
	Player uintptr      `json:"player"`

	player Entity
	steps  atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *Motion) step(i int) error {
	x, y := m.Circle.Point(i)
	if err := m.player.SetPosition(x, y); err != nil {
		return err
	}
	m.steps.Add(1)
	return nil
}

func (m *Motion) Steps() int64 {
	return m.steps.Load()
}

func (m *Motion) Done() <-chan struct{} {
	return m.done
}

// Stop cancels the motion and waits for its goroutine to exit.
func (m *Motion) Stop() {
	m.cancel()
	<-m.done
}

type MotionInfo struct {
	ID     int          `json:"id"`
	Circle PlayerCircle `json:"circle"`
	Player uintptr      `json:"player"`
	Steps  int64        `json:"steps"`
}

// MotionController starts circle motions on the player entity. Writes are
// not coordinated with the game.
type MotionController struct {
	entities *EntityList
	radius   float32
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	motions map[int]*Motion
	nextID  int
}

// NewMotionController makes motions that complete one revolution per period.
func NewMotionController(entities *EntityList, radius float32, period time.Duration, log zerolog.Logger) *MotionController {
	interval := period / circleSteps
	if interval <= 0 {
		interval = time.Millisecond
	}

	return &MotionController{
		entities: entities,
		radius:   radius,
		interval: interval,
		log:      log.With().Str("component", "motion").Logger(),
		motions:  make(map[int]*Motion),
	}
}

func (c *MotionController) Start(ctx context.Context) (*Motion, error) {
	player, err := c.entities.Player(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot locate player: %w", err)
	}

	x, y, err := player.Position()
	if err != nil {
		return nil, fmt.Errorf("cannot read player position: %w", err)
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &Motion{
		Circle: PlayerCircle{OriginX: x, OriginY: y, Radius: c.radius},
		Player: player.Addr,
		player: player,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.nextID++
	m.ID = c.nextID
	c.motions[m.ID] = m
	c.mu.Unlock()

	c.log.Info().
		Int("motion", m.ID).
		Str("player", fmt.Sprintf("%#x", player.Addr)).
		Float32("x", x).
		Float32("y", y).
		Float32("radius", c.radius).
		Msg("circle started")

	go c.run(mctx, m)

	return m, nil
}

func (c *MotionController) run(ctx context.Context, m *Motion) {
	defer close(m.done)
	defer c.forget(m)

	t := time.NewTicker(c.interval)
	defer t.Stop()

	for i := 0; ; i = (i + 1) % circleSteps {
		if err := m.step(i); err != nil {
			c.log.Warn().Err(err).Int("motion", m.ID).Msg("circle stopped")
			return
		}

		select {
		case <-ctx.Done():
			c.log.Info().Int("motion", m.ID).Int64("steps", m.Steps()).Msg("circle stopped")
			return
		case <-t.C:
		}
	}
}

func (c *MotionController) forget(m *Motion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.motions, m.ID)
}

// StopAll stops every running motion and returns how many there were.
func (c *MotionController) StopAll() int {
	c.mu.Lock()
	motions := make([]*Motion, 0, len(c.motions))
	for _, m := range c.motions {
		motions = append(motions, m)
	}
	c.mu.Unlock()

	for _, m := range motions {
		m.Stop()
	}

	return len(motions)
}

func (c *MotionController) Motions() []MotionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]MotionInfo, 0, len(c.motions))
	for _, m := range c.motions {
		result = append(result, MotionInfo{
			ID:     m.ID,
			Circle: m.Circle,
			Player: m.Player,
			Steps:  m.Steps(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result
}

// vim: ai:ts=8:sw=8:noet:syntax=go
