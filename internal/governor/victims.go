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

package governor

import (
	"math"
	"sort"
)

// DistPstate is how many pstates a node runs below its maximum frequency.
// The average is rounded to the pstate grid first.
func DistPstate(avg, max, step uint64) uint32 {
	if step == 0 || max == 0 {
		return 0
	}
	rounded := uint64(math.Round(float64(avg)/float64(step))) * step
	if rounded >= max {
		return 0
	}
	return uint32((max - rounded) / step)
}

// PowerRed estimates the power recovered by throttling a node one step.
// Small fleets weigh each node more, and a node one pstate below max gives
// more back than the linear estimate.
func PowerRed(power float64, dist uint32, fleet int, fraction float64) float64 {
	if fleet <= 0 {
		fleet = 1
	}
	red := power * fraction * (1 + 1/float64(fleet))
	if dist == 1 {
		red *= 1.5
	}
	return red
}

// SortByVictimPriority orders busy nodes by ascending distance to max
// pstate, idle nodes go to the end (IdleLast) or the front (IdleFirst).
func SortByVictimPriority(nodes []NodeStatus, order VictimOrder) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := &nodes[i], &nodes[j]
		if a.Idle != b.Idle {
			if order == IdleFirst {
				return a.Idle
			}
			return !a.Idle
		}
		return a.DistPstate < b.DistPstate
	})
}

// SelectVictims walks the sorted nodes marking victims until their
// accumulated PowerRed reaches target. The target may stay out of reach,
// callers compare it with the returned sum.
func SelectVictims(nodes []NodeStatus, target float64) float64 {
	var acc float64
	for i := range nodes {
		if acc >= target {
			break
		}
		nodes[i].Victim = true
		acc += nodes[i].PowerRed
	}
	return acc
}
