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

package powercap

import (
	"context"
	"fmt"
	"math"
	"sync"

	logrus "github.com/sirupsen/logrus"

	"CranePower/api"
	"CranePower/internal/projection"
)

var log = logrus.WithField("component", "Powercap")

type Config struct {
	DefPowercap  uint32
	PowercapIdle uint32
	MaxNodePower uint32
	ThInc        uint32
	ThRed        uint32
	ThRelease    uint32
	Ratio        DomainRatio
}

// Engine turns the allocated power budget into a frequency decision and
// classifies the node for the cluster governor.
type Engine struct {
	cap     *Cap
	model   *projection.Model
	pstates projection.Pstates
	backend api.Backend
	handle  api.PollingHandle
	ratio   DomainRatio

	// serializes hardware cap changes, the record lock is not held
	// while the backend runs
	applyMu sync.Mutex

	jobsMu sync.Mutex
	jobs   map[uint32]struct{}
}

var _ api.JobHooks = (*Engine)(nil)

func NewEngine(cfg Config, model *projection.Model, pstates projection.Pstates,
	backend api.Backend, handle api.PollingHandle) *Engine {
	rec := Record{
		DefPowercap:     cfg.DefPowercap,
		PowercapIdle:    cfg.PowercapIdle,
		CurrentPC:       cfg.DefPowercap,
		LastT1Allocated: cfg.DefPowercap,
		MaxNodePower:    cfg.MaxNodePower,
		ThInc:           cfg.ThInc,
		ThRed:           cfg.ThRed,
		ThRelease:       cfg.ThRelease,
		Status:          StatusOK,
	}
	rec.PperDomain = cfg.Ratio.Split(minU32(cfg.PowercapIdle, rec.CurrentPC))

	return &Engine{
		cap:     NewCap(rec),
		model:   model,
		pstates: pstates,
		backend: backend,
		handle:  handle,
		ratio:   cfg.Ratio,
		jobs:    make(map[uint32]struct{}),
	}
}

func (e *Engine) Pstates() projection.Pstates {
	return e.pstates
}

func (e *Engine) Backend() api.Backend {
	return e.backend
}

// Snapshot copies the record under the lock.
func (e *Engine) Snapshot() Record {
	return e.cap.View()
}

func (e *Engine) Idle() bool {
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()
	return len(e.jobs) == 0
}

// freqChoice is the outcome of one frequency decision. requested is the
// workload request snapped onto the pstate grid.
type freqChoice struct {
	requested uint64
	chosen    uint64
	power     float64
	fits      bool
}

func (e *Engine) choose(limit float64, requested uint64, sig *projection.Signature) freqChoice {
	if requested == 0 {
		requested = e.pstates.Max()
	}
	ppstate := e.pstates.Index(requested)
	requested = e.pstates.Freq(ppstate)

	current := sig.AvgF
	if current == 0 {
		current = sig.DefF
	}
	if current == 0 {
		current = requested
	}
	cpstate := e.pstates.Index(current)

	c := freqChoice{requested: requested, chosen: requested, power: limit}
	if e.model.Available(cpstate, ppstate) {
		if p, err := e.model.ProjectPower(sig, cpstate, ppstate); err == nil {
			c.power = p
		}
	}
	if c.power <= limit {
		c.fits = true
		return c
	}

	for i := ppstate + 1; i < e.pstates.Len(); i++ {
		p, err := e.model.ProjectPower(sig, cpstate, i)
		if err != nil {
			continue
		}
		if p <= limit {
			c.chosen = e.pstates.Freq(i)
			return c
		}
	}
	c.chosen = e.pstates.Lowest()
	return c
}

// AdaptFrequency picks the frequency to run at given the frequency the
// workload asks for and records the request. It only ever moves toward
// lower frequencies and always returns a supported frequency. Without a
// pstate table there is nothing to choose from and requested is returned
// as is.
func (e *Engine) AdaptFrequency(requested uint64, sig *projection.Signature) uint64 {
	if e.pstates.Len() == 0 {
		return requested
	}

	var c freqChoice
	e.cap.Update(func(r *Record) {
		limit := float64(r.LastT1Allocated)
		c = e.choose(limit, requested, sig)

		r.RequestedFreq = c.requested
		r.RequestedPower = uint32(c.power)
		if c.fits {
			r.Requested = 0
			if r.Status != StatusRelease {
				r.Status = StatusOK
			}
			return
		}
		r.Status = StatusGreedy
		r.Requested = uint32(math.Ceil(c.power - limit))
	})

	if c.chosen != c.requested {
		log.Debugf("Requested %d kHz does not fit in %d W, running at %d kHz",
			c.requested, e.cap.View().LastT1Allocated, c.chosen)
	}
	return c.chosen
}

// Preview answers what AdaptFrequency would choose without touching the
// record. The record belongs to the monitoring task.
func (e *Engine) Preview(requested uint64, sig *projection.Signature) uint64 {
	if e.pstates.Len() == 0 {
		return requested
	}
	limit := float64(e.cap.View().LastT1Allocated)
	return e.choose(limit, requested, sig).chosen
}

// ComputeNextState classifies the node from what the hardware delivered in
// the last period.
func (e *Engine) ComputeNextState(sig *projection.Signature) Status {
	eff := e.pstates.RoundUp(sig.AvgF)
	security := e.backend.GetSettings().SecurityRange

	var status Status
	e.cap.Update(func(r *Record) {
		r.EffectiveFreq = eff
		r.LastPower = uint32(sig.DCPower)

		if r.CurrentPC == 0 {
			r.Status = StatusError
			status = r.Status
			return
		}

		if r.RequestedFreq > 0 && eff < r.RequestedFreq {
			r.Status = StatusGreedy
			r.Released = 0
			if r.Requested == 0 {
				r.Requested = r.CurrentPC * r.ThInc / 100
			}
			status = r.Status
			return
		}

		limit := float64(r.CurrentPC)
		releaseTh := math.Max(float64(r.ThRelease), security)

		switch {
		case sig.DCPower < limit*(100-releaseTh)/100:
			keep := math.Max(sig.DCPower*(100+float64(r.ThRed))/100, float64(r.PowercapIdle))
			r.Requested = 0
			if keep < limit {
				r.Released = uint32(limit - keep)
				r.Status = StatusRelease
			} else {
				r.Released = 0
				r.Status = StatusOK
			}
		case sig.DCPower >= limit*(100-float64(r.ThInc))/100:
			r.Status = StatusGreedy
			r.Released = 0
			r.Requested = r.CurrentPC * r.ThInc / 100
		default:
			r.Status = StatusOK
			r.Released = 0
			r.Requested = 0
		}
		status = r.Status
	})
	return status
}

// SetPowercap applies a new node limit through the backend. The record is
// only touched once the backend accepted the limit.
func (e *Engine) SetPowercap(ctx context.Context, limit uint32) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	rec := e.cap.View()
	if limit < rec.PowercapIdle {
		limit = rec.PowercapIdle
	}
	if rec.MaxNodePower > 0 && limit > rec.MaxNodePower {
		limit = rec.MaxNodePower
	}

	settings := e.backend.GetSettings()
	ratio := settings.NodeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	devLimit := uint32(float64(limit) * ratio)

	if err := e.backend.SetPowercapValue(0, api.DomainNode, devLimit, nil); err != nil {
		log.Errorf("Backend %s rejected %d W, keeping %d W: %v",
			e.backend.Name(), limit, rec.CurrentPC, err)
		return fmt.Errorf("failed to apply powercap %d W: %w", limit, err)
	}

	idle := e.Idle()
	e.cap.Update(func(r *Record) {
		r.CurrentPC = limit
		r.LastT1Allocated = limit
		r.Released = 0
		r.Requested = 0
		if r.Status == StatusError {
			r.Status = StatusOK
		}
		if idle {
			r.PperDomain = e.ratio.Split(minU32(r.PowercapIdle, limit))
		} else {
			r.PperDomain = e.ratio.Split(minU32(r.DefPowercap, limit))
		}
	})

	if e.handle != nil {
		if rec.MaxNodePower > 0 && limit < rec.MaxNodePower {
			e.handle.Burst()
		} else {
			e.handle.Relax()
		}
	}

	log.Infof("Powercap set to %d W (backend %s, %d W)", limit, e.backend.Name(), devLimit)
	return nil
}

// NewT1Cycle starts a new negotiation period at the current cap.
func (e *Engine) NewT1Cycle() {
	e.cap.Update(func(r *Record) {
		r.LastT1Allocated = r.CurrentPC
		r.Released = 0
		r.Requested = 0
	})
}

func (e *Engine) NewJob(jobID uint32) {
	e.jobsMu.Lock()
	e.jobs[jobID] = struct{}{}
	e.jobsMu.Unlock()

	e.cap.Update(func(r *Record) {
		r.PperDomain = e.ratio.Split(minU32(r.DefPowercap, r.CurrentPC))
		r.Released = 0
		r.Requested = 0
		r.RequestedFreq = 0
		if r.CurrentPC > 0 {
			r.Status = StatusOK
		}
	})
	log.Infof("Job %d started, domain budgets reset", jobID)
}

func (e *Engine) EndJob(jobID uint32) {
	e.jobsMu.Lock()
	delete(e.jobs, jobID)
	idle := len(e.jobs) == 0
	e.jobsMu.Unlock()

	if !idle {
		return
	}

	e.cap.Update(func(r *Record) {
		r.PperDomain = e.ratio.Split(minU32(r.PowercapIdle, r.CurrentPC))
		r.Released = 0
		r.Requested = 0
		r.RequestedFreq = 0
		if r.CurrentPC > 0 {
			r.Status = StatusOK
		}
	})
	log.Infof("Job %d ended, node idle, domain budgets reset", jobID)
}

func (e *Engine) NewJobHook(ctx *api.HookContext) {
	e.NewJob(ctx.Event().JobID)
}

func (e *Engine) EndJobHook(ctx *api.HookContext) {
	e.EndJob(ctx.Event().JobID)
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
