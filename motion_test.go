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
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayerCircle_Point(t *testing.T) {
	pc := PlayerCircle{OriginX: 10, OriginY: 20, Radius: 100}

	x, y := pc.Point(0)
	assert.InDelta(t, 110, x, 1e-3)
	assert.InDelta(t, 20, y, 1e-3)

	x, y = pc.Point(90)
	assert.InDelta(t, 10, x, 0.1)
	assert.InDelta(t, 120, y, 1e-2)

	x, y = pc.Point(180)
	assert.InDelta(t, -90, x, 1e-2)
	assert.InDelta(t, 20, y, 0.1)

	x0, y0 := pc.Point(7)
	x1, y1 := pc.Point(7 + circleSteps)
	assert.Equal(t, x0, x1)
	assert.Equal(t, y0, y1)
}

func newMotionFixture(t *testing.T) (*fakeHost, []uintptr, *MotionController) {
	t.Helper()

	host := newFakeHost()
	addrs := host.putEntities(t, NoxLayout,
		fakeEntity{extent: 4, x: 1, y: 1},
		fakeEntity{extent: 0, x: 500, y: 300},
	)
	list := NewEntityList(host, NoxLayout, zerolog.Nop())
	return host, addrs, NewMotionController(list, 100, 360*time.Millisecond, zerolog.Nop())
}

func TestMotionController_Circle(t *testing.T) {
	host, addrs, mc := newMotionFixture(t)

	m, err := mc.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.ID)
	assert.Equal(t, PlayerCircle{OriginX: 500, OriginY: 300, Radius: 100}, m.Circle)
	assert.Equal(t, addrs[1], m.Player)

	assert.Eventually(t, func() bool {
		return m.Steps() >= 10
	}, 2*time.Second, time.Millisecond)

	infos := mc.Motions()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].ID)

	assert.Equal(t, 1, mc.StopAll())
	assert.Empty(t, mc.Motions())

	select {
	case <-m.Done():
	default:
		t.Fatal("motion is still running after StopAll")
	}

	x, y := host.position(t, NoxLayout, addrs[1])
	r := math.Hypot(float64(x-500), float64(y-300))
	assert.InDelta(t, 100, r, 0.05)

	// the other entity is never touched
	x, y = host.position(t, NoxLayout, addrs[0])
	assert.Equal(t, float32(1), x)
	assert.Equal(t, float32(1), y)
}

func TestMotionController_SeveralCircles(t *testing.T) {
	_, _, mc := newMotionFixture(t)

	m1, err := mc.Start(context.Background())
	require.NoError(t, err)
	m2, err := mc.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID, m2.ID)
	assert.Len(t, mc.Motions(), 2)

	assert.Equal(t, 2, mc.StopAll())
	assert.Equal(t, 0, mc.StopAll())
}

func TestMotionController_StopsOnWriteFailure(t *testing.T) {
	host, _, mc := newMotionFixture(t)

	m, err := mc.Start(context.Background())
	require.NoError(t, err)

	host.mu.Lock()
	host.failWrite = func(addr uintptr, n int) error { return errFakeWrite }
	host.mu.Unlock()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("motion did not stop after a failed write")
	}

	assert.Eventually(t, func() bool {
		return len(mc.Motions()) == 0
	}, time.Second, time.Millisecond)
}

func TestMotionController_NoPlayer(t *testing.T) {
	host := newFakeHost()
	host.putEntities(t, NoxLayout)
	list := NewEntityList(host, NoxLayout, zerolog.Nop())
	mc := NewMotionController(list, 100, time.Second, zerolog.Nop())

	_, err := mc.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoEntities)
	assert.Empty(t, mc.Motions())
}

// vim: ai:ts=8:sw=8:noet:syntax=go
