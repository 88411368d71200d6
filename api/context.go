/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package api

import (
	"context"
	"sync"
)

type HookType uint8

const (
	NewJobHook HookType = iota
	EndJobHook
)

func (t HookType) String() string {
	if t == EndJobHook {
		return "EndJob"
	}
	return "NewJob"
}

type JobEvent struct {
	JobID  uint32
	User   string
	Policy string
}

type HookHandler func(*HookContext)

// JobHooks is implemented by every component interested in job start/end
// on the node, e.g. the power-cap engine resetting domain budgets.
type JobHooks interface {
	NewJobHook(ctx *HookContext)
	EndJobHook(ctx *HookContext)
}

type HookContext struct {
	GrpcCtx context.Context
	Type    HookType
	Keys    map[string]any

	event    *JobEvent
	index    uint8
	handlers []HookHandler
	errs     []error
	mu       sync.RWMutex
}

func (c *HookContext) Set(key string, value any) {
	c.mu.Lock()
	c.Keys[key] = value
	c.mu.Unlock()
}

func (c *HookContext) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Keys[key]
}

func (c *HookContext) Event() *JobEvent {
	return c.event
}

// Error records a handler failure without stopping the chain.
func (c *HookContext) Error(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *HookContext) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]error(nil), c.errs...)
}

// This should only be called by the node daemon
func (c *HookContext) Start() {
	c.index = 0
	for c.index < uint8(len(c.handlers)) {
		if c.handlers[c.index] == nil {
			c.Abort()
			continue
		}
		c.handlers[c.index](c)
		c.index++
	}
}

// A handler could call this to hand over the control to the next one.
// When this returned, the caller may continue.
func (c *HookContext) Next() {
	c.index++
	for c.index < uint8(len(c.handlers)) {
		if c.handlers[c.index] == nil {
			c.Abort()
			continue
		}
		c.handlers[c.index](c)
		c.index++
	}
}

// A handler could call this to prevent the following handlers from being called.
func (c *HookContext) Abort() {
	c.index = uint8(len(c.handlers))
}

func NewHookContext(ctx context.Context, ev *JobEvent, t HookType, hs []HookHandler) *HookContext {
	return &HookContext{
		GrpcCtx:  ctx,
		Type:     t,
		Keys:     make(map[string]any),
		event:    ev,
		index:    0,
		handlers: hs,
	}
}
