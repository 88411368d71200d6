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
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"CranePower/api"
)

const (
	DefaultRaplRoot = "/sys/class/powercap"

	raplPrefix      = "intel-rapl"
	limitFile       = "constraint_0_power_limit_uw"
	maxPowerFile    = "constraint_0_max_power_uw"
	energyFile      = "energy_uj"
	energyRangeFile = "max_energy_range_uj"
)

type RaplConfig struct {
	Root string `yaml:"Root"`
}

type raplZone struct {
	path        string
	maxPowerUW  uint64
	energyRange uint64
}

// Rapl programs the package and dram power limits of the Linux powercap
// framework, https://www.kernel.org/doc/html/latest/power/powercap/powercap.html
type Rapl struct {
	fs       afero.Fs
	root     string
	settings api.Settings

	mu       sync.Mutex
	enabled  bool
	handle   api.PollingHandle
	mode     api.Mode
	packages []raplZone
	dram     []raplZone
	limit    uint32

	// last energy_uj per package zone path
	lastEnergy map[string]uint64
	lastRead   time.Time
}

var _ api.Backend = (*Rapl)(nil)

func NewRapl(fs afero.Fs, cfg RaplConfig, settings api.Settings) *Rapl {
	root := cfg.Root
	if root == "" {
		root = DefaultRaplRoot
	}
	return &Rapl{fs: fs, root: root, settings: settings}
}

func (r *Rapl) Name() string {
	return NameRapl
}

func readUint(fs afero.Fs, path string) (uint64, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func writeUint(fs afero.Fs, path string, v uint64) error {
	return afero.WriteFile(fs, path, []byte(strconv.FormatUint(v, 10)), 0644)
}

func (r *Rapl) zone(path string) raplZone {
	z := raplZone{path: path}
	if v, err := readUint(r.fs, filepath.Join(path, maxPowerFile)); err == nil {
		z.maxPowerUW = v
	}
	if v, err := readUint(r.fs, filepath.Join(path, energyRangeFile)); err == nil {
		z.energyRange = v
	}
	return z
}

// discover finds intel-rapl:X package zones and their dram sub-zones.
func (r *Rapl) discover() error {
	entries, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		return err
	}

	var packages, dram []raplZone
	for _, entry := range entries {
		fields := strings.Split(entry.Name(), ":")
		if len(fields) != 2 || fields[0] != raplPrefix {
			continue
		}
		pkgPath := filepath.Join(r.root, entry.Name())
		packages = append(packages, r.zone(pkgPath))

		subs, err := afero.ReadDir(r.fs, pkgPath)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if !strings.HasPrefix(sub.Name(), entry.Name()+":") {
				continue
			}
			subPath := filepath.Join(pkgPath, sub.Name())
			name, err := afero.ReadFile(r.fs, filepath.Join(subPath, "name"))
			if err == nil && strings.TrimSpace(string(name)) == "dram" {
				dram = append(dram, r.zone(subPath))
			}
		}
	}
	if len(packages) == 0 {
		return fmt.Errorf("no %s zones under %s", raplPrefix, r.root)
	}

	sort.Slice(packages, func(i, j int) bool { return packages[i].path < packages[j].path })
	sort.Slice(dram, func(i, j int) bool { return dram[i].path < dram[j].path })
	r.packages, r.dram = packages, dram

	log.Infof("%s Discovered %d package zone(s), %d dram zone(s)", prefixRapl, len(packages), len(dram))
	return nil
}

// Probe reports whether the powercap tree exposes any RAPL zone.
func (r *Rapl) Probe() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discover() == nil
}

func (r *Rapl) Enable(handle api.PollingHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}
	if err := r.discover(); err != nil {
		return fmt.Errorf("failed to discover RAPL zones: %w", err)
	}
	r.handle = handle
	r.enabled = true
	return nil
}

func (r *Rapl) Disable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return nil
	}

	var firstErr error
	for _, z := range append(append([]raplZone(nil), r.packages...), r.dram...) {
		if z.maxPowerUW == 0 {
			continue
		}
		if err := writeUint(r.fs, filepath.Join(z.path, limitFile), z.maxPowerUW); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.handle != nil {
		r.handle.Relax()
	}
	r.enabled = false
	r.limit = 0
	return firstErr
}

// apply spreads watts evenly over zones. Already written zones are restored
// when a later write fails.
func (r *Rapl) apply(zones []raplZone, watts uint32) error {
	share := uint64(watts) * 1_000_000 / uint64(len(zones))

	prev := make([]uint64, len(zones))
	for i, z := range zones {
		v, err := readUint(r.fs, filepath.Join(z.path, limitFile))
		if err != nil {
			return fmt.Errorf("read limit of %s: %w", z.path, err)
		}
		prev[i] = v
	}

	for i, z := range zones {
		uw := share
		if z.maxPowerUW > 0 && uw > z.maxPowerUW {
			uw = z.maxPowerUW
		}
		if err := writeUint(r.fs, filepath.Join(z.path, limitFile), uw); err != nil {
			for j := 0; j < i; j++ {
				_ = writeUint(r.fs, filepath.Join(zones[j].path, limitFile), prev[j])
			}
			return fmt.Errorf("write limit of %s: %w", z.path, err)
		}
	}
	return nil
}

func (r *Rapl) SetPowercapValue(pid int, domain api.Domain, limit uint32, _ []uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return api.ErrBackendDisabled
	}

	switch domain {
	case api.DomainNode, api.DomainCPU:
		if err := r.apply(r.packages, limit); err != nil {
			return err
		}
		r.limit = limit
		if r.handle != nil {
			r.handle.Burst()
		}
	case api.DomainDRAM:
		if len(r.dram) == 0 {
			return fmt.Errorf("%w: no dram zone", api.ErrUnsupportedDomain)
		}
		if err := r.apply(r.dram, limit); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s on %s", api.ErrUnsupportedDomain, domain, NameRapl)
	}

	log.Debugf("%s pid %d domain %s limit %d W", prefixRapl, pid, domain, limit)
	return nil
}

// GetPowercapValue reads the package limits back from the hardware.
func (r *Rapl) GetPowercapValue(int) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return 0, api.ErrBackendDisabled
	}

	var total uint64
	for _, z := range r.packages {
		v, err := readUint(r.fs, filepath.Join(z.path, limitFile))
		if err != nil {
			return 0, err
		}
		total += v
	}
	return uint32(total / 1_000_000), nil
}

func (r *Rapl) IsPolicyEnabled(int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled && r.limit > 0
}

func (r *Rapl) GetStrategy() api.Strategy {
	return api.StrategyPower
}

func (r *Rapl) SetMode(mode api.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	return nil
}

func (r *Rapl) GetSettings() api.Settings {
	return r.settings
}

// GetUsage derives package power from the energy counters since the last
// call. The first call only primes the counters and returns 0.
func (r *Rapl) GetUsage() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packages) == 0 {
		return 0, api.ErrBackendDisabled
	}
	return r.usageAt(time.Now())
}

func (r *Rapl) usageAt(now time.Time) (float64, error) {
	energy := make(map[string]uint64, len(r.packages))
	for _, z := range r.packages {
		v, err := readUint(r.fs, filepath.Join(z.path, energyFile))
		if err != nil {
			return 0, err
		}
		energy[z.path] = v
	}

	prev, prevAt := r.lastEnergy, r.lastRead
	r.lastEnergy, r.lastRead = energy, now
	if prevAt.IsZero() {
		return 0, nil
	}
	dt := now.Sub(prevAt).Seconds()
	if dt <= 0 {
		return 0, nil
	}

	// Each counter wraps on its own.
	var delta uint64
	for _, z := range r.packages {
		cur := energy[z.path]
		last, ok := prev[z.path]
		switch {
		case !ok:
		case cur >= last:
			delta += cur - last
		case z.energyRange > 0:
			delta += z.energyRange - last + cur
		}
	}
	return float64(delta) / 1e6 / dt, nil
}
