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

import "errors"

type Domain uint8

// NODE, CPU, DRAM and GPU index the per-domain budget of a node.
const (
	DomainNode Domain = iota
	DomainCPU
	DomainDRAM
	DomainGPU

	// DomainPerDevice asks the backend to apply one limit per device,
	// weighted by the utilization vector.
	DomainPerDevice
)

const NumDomains = 4

func (d Domain) String() string {
	switch d {
	case DomainNode:
		return "NODE"
	case DomainCPU:
		return "CPU"
	case DomainDRAM:
		return "DRAM"
	case DomainGPU:
		return "GPU"
	case DomainPerDevice:
		return "PER_DEVICE"
	default:
		return "UNKNOWN"
	}
}

type Strategy uint8

const (
	// StrategyDVFS backends act by lowering the CPU frequency.
	StrategyDVFS Strategy = iota
	// StrategyPower backends program a native power-limit register.
	StrategyPower
)

func (s Strategy) String() string {
	if s == StrategyPower {
		return "POWER"
	}
	return "DVFS"
}

type Mode uint8

const (
	ModeLimit Mode = iota
	ModeTarget
)

func (m Mode) String() string {
	if m == ModeTarget {
		return "TARGET"
	}
	return "LIMIT"
}

// Settings are static knobs a backend hands to the power-cap engine.
type Settings struct {
	// Share of the node limit that belongs to the devices driven by the backend.
	NodeRatio float64
	// Extra headroom in percent below the cap before power is given back.
	SecurityRange float64
}

var (
	ErrUnsupportedDomain = errors.New("powercap domain not supported by backend")
	ErrBackendDisabled   = errors.New("powercap backend is disabled")
)

// PollingHandle lets a backend switch the node monitoring task between
// its burst and relax intervals.
type PollingHandle interface {
	Burst()
	Relax()
}

// Backend is the hardware capability the node power-cap engine drives.
// Enable and Disable are idempotent.
type Backend interface {
	Name() string

	Enable(handle PollingHandle) error
	Disable() error

	SetPowercapValue(pid int, domain Domain, limit uint32, util []uint32) error
	GetPowercapValue(pid int) (uint32, error)
	IsPolicyEnabled(pid int) bool

	GetStrategy() Strategy
	SetMode(mode Mode) error
	GetSettings() Settings

	// GetUsage returns the power currently drawn by the controlled devices in watts.
	GetUsage() (float64, error)
}
