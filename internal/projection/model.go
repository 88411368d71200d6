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

// Package projection predicts execution time and power of a workload
// when it moves from one pstate to another.
package projection

import (
	"errors"
)

var ErrNotAvailable = errors.New("projection not available")

// Coefficient is the linear model for one (from, to) pstate pair.
// Power' = A*DCPower + B*TPI + C, CPI' = D*CPI + E*TPI + F.
type Coefficient struct {
	A, B, C   float64
	D, E, F   float64
	FreqFrom  uint64
	FreqTo    uint64
	Available bool
}

// Signature summarizes what the application did during the last period.
type Signature struct {
	Time    float64 // seconds per iteration
	CPI     float64
	TPI     float64
	DCPower float64 // watts
	AvgF    uint64  // kHz
	DefF    uint64  // kHz the signature was measured at
}

// CoefficientArea is the pre-populated table shared by every process on
// the node.
type CoefficientArea interface {
	Lookup(from, to int) (Coefficient, bool)
}

// Model is read-only once built and safe for concurrent use.
type Model struct {
	n     int
	table []Coefficient
}

// NewModel marks every pair unavailable and overlays what area provides.
// A nil area leaves the whole model unavailable.
func NewModel(numPstates int, area CoefficientArea) *Model {
	if numPstates < 0 {
		numPstates = 0
	}
	m := &Model{
		n:     numPstates,
		table: make([]Coefficient, numPstates*numPstates),
	}
	if area == nil {
		return m
	}

	for from := 0; from < numPstates; from++ {
		for to := 0; to < numPstates; to++ {
			if c, ok := area.Lookup(from, to); ok {
				m.table[from*numPstates+to] = c
			}
		}
	}
	return m
}

func (m *Model) NumPstates() int {
	return m.n
}

// Loaded counts the available pairs.
func (m *Model) Loaded() int {
	count := 0
	for i := range m.table {
		if m.table[i].Available {
			count++
		}
	}
	return count
}

func (m *Model) inRange(p int) bool {
	return p >= 0 && p < m.n
}

func (m *Model) Available(from, to int) bool {
	if !m.inRange(from) || !m.inRange(to) {
		return false
	}
	return m.table[from*m.n+to].Available
}

func (m *Model) coefficient(from, to int) (*Coefficient, error) {
	if !m.Available(from, to) {
		return nil, ErrNotAvailable
	}
	return &m.table[from*m.n+to], nil
}

func (m *Model) ProjectTime(sig *Signature, from, to int) (float64, error) {
	c, err := m.coefficient(from, to)
	if err != nil {
		return 0, err
	}
	if sig.CPI == 0 || c.FreqTo == 0 {
		return 0, ErrNotAvailable
	}

	projCPI := c.D*sig.CPI + c.E*sig.TPI + c.F
	return sig.Time * (projCPI / sig.CPI) * (float64(c.FreqFrom) / float64(c.FreqTo)), nil
}

func (m *Model) ProjectPower(sig *Signature, from, to int) (float64, error) {
	c, err := m.coefficient(from, to)
	if err != nil {
		return 0, err
	}
	return c.A*sig.DCPower + c.B*sig.TPI + c.C, nil
}
