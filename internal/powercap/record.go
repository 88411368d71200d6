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
	"sync"

	"CranePower/api"
)

type Status uint8

const (
	StatusOK Status = iota
	StatusGreedy
	StatusRelease
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusGreedy:
		return "GREEDY"
	case StatusRelease:
		return "RELEASE"
	default:
		return "ERROR"
	}
}

// Record is the power-cap state of one node. Power values are watts,
// frequencies kHz, thresholds percent.
type Record struct {
	DefPowercap  uint32
	PowercapIdle uint32

	CurrentPC       uint32
	LastT1Allocated uint32

	Released       uint32
	Requested      uint32
	RequestedPower uint32
	RequestedFreq  uint64

	MaxNodePower uint32
	ThInc        uint32
	ThRed        uint32
	ThRelease    uint32

	Status     Status
	PperDomain [api.NumDomains]uint32

	LastPower     uint32
	EffectiveFreq uint64
}

// Stress tells how far the node runs below the frequency it asked for,
// in percent of the request.
func (r *Record) Stress() uint8 {
	if r.RequestedFreq == 0 || r.EffectiveFreq >= r.RequestedFreq {
		return 0
	}
	s := (r.RequestedFreq - r.EffectiveFreq) * 100 / r.RequestedFreq
	if s > 255 {
		return 255
	}
	return uint8(s)
}

// Cap owns the record. Callers never see the lock.
type Cap struct {
	mu  sync.Mutex
	rec Record
}

func NewCap(rec Record) *Cap {
	return &Cap{rec: rec}
}

// View returns a copy of the record.
func (c *Cap) View() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func (c *Cap) Update(fn func(r *Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.rec)
}

// DomainRatio splits a node budget across CPU, DRAM and GPU.
type DomainRatio struct {
	CPU  float64
	DRAM float64
	GPU  float64
}

// Split never hands out more than limit to the sub-domains.
func (d DomainRatio) Split(limit uint32) [api.NumDomains]uint32 {
	var out [api.NumDomains]uint32
	out[api.DomainNode] = limit

	cpu := clampRatio(d.CPU)
	dram := clampRatio(d.DRAM)
	gpu := clampRatio(d.GPU)
	if sum := cpu + dram + gpu; sum > 1 {
		cpu, dram, gpu = cpu/sum, dram/sum, gpu/sum
	}

	out[api.DomainCPU] = uint32(float64(limit) * cpu)
	out[api.DomainDRAM] = uint32(float64(limit) * dram)
	out[api.DomainGPU] = uint32(float64(limit) * gpu)

	// float rounding
	for out[api.DomainCPU]+out[api.DomainDRAM]+out[api.DomainGPU] > limit && out[api.DomainCPU] > 0 {
		out[api.DomainCPU]--
	}
	return out
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
