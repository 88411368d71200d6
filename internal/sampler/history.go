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

package sampler

import (
	"sync"

	"github.com/montanaflynn/stats"
)

// History keeps the last n power readings. The engine classifies the node
// on the median so a single spike does not flip it to GREEDY.
type History struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

func NewHistory(n int) *History {
	if n <= 0 {
		n = 1
	}
	return &History{buf: make([]float64, n)}
}

func (h *History) Add(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = v
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

func (h *History) values() stats.Float64Data {
	if h.full {
		return append(stats.Float64Data(nil), h.buf...)
	}
	return append(stats.Float64Data(nil), h.buf[:h.next]...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

func (h *History) Median() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, err := h.values().Median()
	if err != nil {
		return 0
	}
	return m
}

func (h *History) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, err := h.values().Mean()
	if err != nil {
		return 0
	}
	return m
}

func (h *History) Max() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, err := h.values().Max()
	if err != nil {
		return 0
	}
	return m
}
