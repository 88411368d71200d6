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

package backend

import (
	"sync"

	"CranePower/api"
)

// Dummy accepts every request and drives no hardware. It is the backend of
// last resort, monitoring keeps running while nothing is enforced.
type Dummy struct {
	settings api.Settings

	mu      sync.Mutex
	enabled bool
	mode    api.Mode
	limits  map[int]uint32
}

var _ api.Backend = (*Dummy)(nil)

func NewDummy(settings api.Settings) *Dummy {
	if settings.NodeRatio <= 0 {
		settings.NodeRatio = 1
	}
	return &Dummy{
		settings: settings,
		limits:   make(map[int]uint32),
	}
}

func (d *Dummy) Name() string {
	return NameDummy
}

func (d *Dummy) Enable(api.PollingHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		log.Infof("%s Enabled, power limits will not be enforced", prefixDummy)
		d.enabled = true
	}
	return nil
}

func (d *Dummy) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	return nil
}

func (d *Dummy) SetPowercapValue(pid int, domain api.Domain, limit uint32, _ []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limits[pid] = limit
	log.Debugf("%s pid %d domain %s limit %d W", prefixDummy, pid, domain, limit)
	return nil
}

func (d *Dummy) GetPowercapValue(pid int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits[pid], nil
}

func (d *Dummy) IsPolicyEnabled(pid int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.limits[pid]
	return ok
}

func (d *Dummy) GetStrategy() api.Strategy {
	return api.StrategyDVFS
}

func (d *Dummy) SetMode(mode api.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
	return nil
}

func (d *Dummy) GetSettings() api.Settings {
	return d.settings
}

func (d *Dummy) GetUsage() (float64, error) {
	return 0, nil
}
