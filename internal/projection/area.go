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

import (
	"fmt"

	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
)

var log = logrus.WithField("component", "Projection")

type pair struct {
	from, to int
}

// Area is a coefficient area read from the node's coefficient file:
//
//	{
//	  "pstates": [2600000, 2500000, ...],
//	  "coefficients": [
//	    {"from": 0, "to": 1, "available": true,
//	     "A": 0.9, "B": 0.0, "C": 3.1, "D": 1.0, "E": 0.0, "F": 0.0}
//	  ]
//	}
//
// freq_from / freq_to default to the pstate list when omitted.
type Area struct {
	Pstates Pstates
	entries map[pair]Coefficient
}

func NewArea(pstates Pstates) *Area {
	return &Area{
		Pstates: pstates,
		entries: make(map[pair]Coefficient),
	}
}

func (a *Area) Put(from, to int, c Coefficient) {
	a.entries[pair{from, to}] = c
}

func (a *Area) Lookup(from, to int) (Coefficient, bool) {
	c, ok := a.entries[pair{from, to}]
	return c, ok
}

func (a *Area) Len() int {
	return len(a.entries)
}

func LoadArea(fs afero.Fs, path string) (*Area, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read coefficient area %s: %w", path, err)
	}
	return ParseArea(data)
}

func ParseArea(data []byte) (*Area, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("coefficient area is not valid JSON")
	}

	doc := gjson.ParseBytes(data)
	var pstates Pstates
	for _, f := range doc.Get("pstates").Array() {
		pstates = append(pstates, f.Uint())
	}
	if len(pstates) == 0 {
		return nil, fmt.Errorf("coefficient area has no pstates")
	}

	area := NewArea(pstates)
	var parseErr error
	doc.Get("coefficients").ForEach(func(_, v gjson.Result) bool {
		from := int(v.Get("from").Int())
		to := int(v.Get("to").Int())
		if !pstates.Valid(from) || !pstates.Valid(to) {
			log.Warnf("Skipping coefficient (%d,%d): pstate out of range", from, to)
			return true
		}

		c := Coefficient{
			A:         v.Get("A").Float(),
			B:         v.Get("B").Float(),
			C:         v.Get("C").Float(),
			D:         v.Get("D").Float(),
			E:         v.Get("E").Float(),
			F:         v.Get("F").Float(),
			FreqFrom:  pstates[from],
			FreqTo:    pstates[to],
			Available: v.Get("available").Bool(),
		}
		if ff := v.Get("freq_from"); ff.Exists() {
			c.FreqFrom = ff.Uint()
		}
		if ft := v.Get("freq_to"); ft.Exists() {
			c.FreqTo = ft.Uint()
		}
		if c.FreqTo == 0 {
			parseErr = fmt.Errorf("coefficient (%d,%d) has zero destination frequency", from, to)
			return false
		}

		area.Put(from, to, c)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return area, nil
}
