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

package projection

// Pstates lists supported frequencies in kHz, highest first.
// Index 0 is the nominal (non-turbo) maximum.
type Pstates []uint64

// NewPstates builds max, max-step, ... down to min inclusive.
func NewPstates(max, min, step uint64) Pstates {
	if step == 0 || max < min {
		return Pstates{max}
	}
	if min == 0 {
		min = step
	}
	var p Pstates
	for f := max; f >= min; f -= step {
		p = append(p, f)
		if f < step {
			break
		}
	}
	return p
}

func (p Pstates) Len() int {
	return len(p)
}

func (p Pstates) Valid(i int) bool {
	return i >= 0 && i < len(p)
}

// Freq clamps out-of-range indices to the nearest end.
func (p Pstates) Freq(i int) uint64 {
	if len(p) == 0 {
		return 0
	}
	if i < 0 {
		return p[0]
	}
	if i >= len(p) {
		return p[len(p)-1]
	}
	return p[i]
}

func (p Pstates) Max() uint64 {
	return p.Freq(0)
}

func (p Pstates) Lowest() uint64 {
	return p.Freq(len(p) - 1)
}

func (p Pstates) LowestIndex() int {
	return len(p) - 1
}

// Step is the distance between two consecutive pstates.
func (p Pstates) Step() uint64 {
	if len(p) < 2 {
		return 0
	}
	return p[0] - p[1]
}

// Index returns the pstate whose frequency is nearest to f.
func (p Pstates) Index(f uint64) int {
	best := 0
	var bestDiff uint64
	for i, pf := range p {
		diff := absDiff(pf, f)
		if i == 0 || diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}
	return best
}

// RoundUp returns the smallest supported frequency that is not below f,
// or the maximum when f is above every pstate.
func (p Pstates) RoundUp(f uint64) uint64 {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] >= f {
			return p[i]
		}
	}
	return p.Max()
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
