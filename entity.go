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
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// Layout describes where the entity list lives in one build of the game.
type Layout struct {
	Root         uintptr // holds a pointer to the first entity
	ExtentOffset uintptr
	XOffset      uintptr
	YOffset      uintptr
	NextOffset   uintptr
	Size         int
}

var NoxLayout = Layout{
	Root:         0x00750708,
	ExtentOffset: 0x28,
	XOffset:      0x40,
	YOffset:      0x44,
	NextOffset:   0x1DC,
	Size:         0x1E0,
}

// DumpNudge is added to the x coordinate of every zero-extent entity
// visited by Dump.
const DumpNudge = 50.0

var ErrNoEntities = errors.New("entity list is empty")

// EntityList walks the singly-linked entity list of the host. Nothing here
// is synchronized with the game: the list may change under a traversal and
// a corrupted list can make one loop until ctx is cancelled.
type EntityList struct {
	mem    Memory
	layout Layout
	log    zerolog.Logger
}

func NewEntityList(mem Memory, layout Layout, log zerolog.Logger) *EntityList {
	return &EntityList{
		mem:    mem,
		layout: layout,
		log:    log.With().Str("component", "entities").Logger(),
	}
}

// Entity is a reference to a record in host memory.
type Entity struct {
	Addr uintptr
	list *EntityList
}

type EntityInfo struct {
	Addr   uintptr `json:"addr"`
	Extent uint16  `json:"extent"`
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Next   uintptr `json:"next"`
}

func (i EntityInfo) String() string {
	return fmt.Sprintf("entity %#x: extent %d, x %g, y %g", i.Addr, i.Extent, i.X, i.Y)
}

// Info reads the whole record once and decodes the fields we know about.
func (e Entity) Info() (EntityInfo, error) {
	l := e.list.layout
	buf, err := e.list.mem.ReadMemory(e.Addr, l.Size)
	if err != nil {
		return EntityInfo{}, fmt.Errorf("cannot read entity %#x: %w", e.Addr, err)
	}

	return EntityInfo{
		Addr:   e.Addr,
		Extent: binary.LittleEndian.Uint16(buf[l.ExtentOffset:]),
		X:      math.Float32frombits(binary.LittleEndian.Uint32(buf[l.XOffset:])),
		Y:      math.Float32frombits(binary.LittleEndian.Uint32(buf[l.YOffset:])),
		Next:   uintptr(binary.LittleEndian.Uint32(buf[l.NextOffset:])),
	}, nil
}

func (e Entity) Extent() (uint16, error) {
	return readU16(e.list.mem, e.Addr+e.list.layout.ExtentOffset)
}

func (e Entity) Position() (x, y float32, err error) {
	x, err = readF32(e.list.mem, e.Addr+e.list.layout.XOffset)
	if err != nil {
		return
	}
	y, err = readF32(e.list.mem, e.Addr+e.list.layout.YOffset)
	return
}

// SetPosition writes the two coordinates one after another. The game may
// write them too; whoever writes last wins.
func (e Entity) SetPosition(x, y float32) error {
	if err := writeF32(e.list.mem, e.Addr+e.list.layout.XOffset, x); err != nil {
		return err
	}
	return writeF32(e.list.mem, e.Addr+e.list.layout.YOffset, y)
}

func (e Entity) SetX(x float32) error {
	return writeF32(e.list.mem, e.Addr+e.list.layout.XOffset, x)
}

// First returns the entity the root points at.
func (l *EntityList) First() (Entity, error) {
	addr, err := readPtr(l.mem, l.layout.Root)
	if err != nil {
		return Entity{}, fmt.Errorf("cannot read entity root: %w", err)
	}

	if addr == 0 {
		return Entity{}, ErrNoEntities
	}

	return Entity{Addr: addr, list: l}, nil
}

// ForEach visits the root entity and every entity reachable through next
// pointers, in list order.
func (l *EntityList) ForEach(ctx context.Context, fn func(Entity, EntityInfo) error) error {
	e, err := l.First()
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := e.Info()
		if err != nil {
			return err
		}

		if err := fn(e, info); err != nil {
			return err
		}

		if info.Next == 0 {
			return nil
		}

		e = Entity{Addr: info.Next, list: l}
	}
}

// Player follows the list past every entity with a nonzero extent and
// stops at the first zero-extent one, or at the tail.
func (l *EntityList) Player(ctx context.Context) (Entity, error) {
	e, err := l.First()
	if err != nil {
		return Entity{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return Entity{}, err
		}

		info, err := e.Info()
		if err != nil {
			return Entity{}, err
		}

		if info.Next == 0 || info.Extent == 0 {
			return e, nil
		}

		e = Entity{Addr: info.Next, list: l}
	}
}

func (l *EntityList) Snapshot(ctx context.Context) ([]EntityInfo, error) {
	var result []EntityInfo
	err := l.ForEach(ctx, func(_ Entity, info EntityInfo) error {
		result = append(result, info)
		return nil
	})
	if errors.Is(err, ErrNoEntities) {
		return nil, nil
	}

	return result, err
}

// Dump logs every entity and moves each zero-extent one by DumpNudge along
// x. It returns the records as they were before the nudge.
//
// The nudge riding along with a dump is odd, but it is what "entities
// --dump" has always done, so it stays.
func (l *EntityList) Dump(ctx context.Context) ([]EntityInfo, error) {
	var result []EntityInfo
	err := l.ForEach(ctx, func(e Entity, info EntityInfo) error {
		l.log.Info().
			Str("addr", fmt.Sprintf("%#x", info.Addr)).
			Uint16("extent", info.Extent).
			Float32("x", info.X).
			Float32("y", info.Y).
			Msg("entity")

		result = append(result, info)

		if info.Extent == 0 {
			return e.SetX(info.X + DumpNudge)
		}
		return nil
	})

	return result, err
}

// vim: ai:ts=8:sw=8:noet:syntax=go
