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

// Package cpufreq applies frequency decisions through the cpufreq sysfs
// interface.
package cpufreq

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"CranePower/internal/projection"
)

const DefaultRoot = "/sys/devices/system/cpu"

var (
	log      = logrus.WithField("component", "CPUFreq")
	cpuDirRe = regexp.MustCompile(`^cpu[0-9]+$`)
)

type Controller struct {
	fs   afero.Fs
	root string
	cpus []string

	mu      sync.Mutex
	applied uint64
}

func NewController(fs afero.Fs, root string) (*Controller, error) {
	if root == "" {
		root = DefaultRoot
	}
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	c := &Controller{fs: fs, root: root}
	for _, e := range entries {
		if !cpuDirRe.MatchString(e.Name()) {
			continue
		}
		dir := filepath.Join(root, e.Name(), "cpufreq")
		if ok, _ := afero.DirExists(fs, dir); ok {
			c.cpus = append(c.cpus, dir)
		}
	}
	if len(c.cpus) == 0 {
		return nil, fmt.Errorf("no cpufreq policy under %s", root)
	}
	sort.Strings(c.cpus)
	return c, nil
}

func (c *Controller) read(name string) (string, error) {
	data, err := afero.ReadFile(c.fs, filepath.Join(c.cpus[0], name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *Controller) readUint(name string) (uint64, error) {
	s, err := c.read(name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

// Pstates returns the supported non-turbo frequencies, highest first. Drivers
// without a frequency table (intel_pstate) get a 100 MHz grid between the
// hardware bounds.
func (c *Controller) Pstates() (projection.Pstates, error) {
	if s, err := c.read("scaling_available_frequencies"); err == nil && s != "" {
		var ps projection.Pstates
		for _, f := range strings.Fields(s) {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad available frequency %q: %w", f, err)
			}
			ps = append(ps, v)
		}
		sort.Slice(ps, func(i, j int) bool { return ps[i] > ps[j] })
		// a leading +1000 kHz entry is the turbo bin
		if len(ps) > 1 && ps[0]-ps[1] == 1000 {
			ps = ps[1:]
		}
		return ps, nil
	}

	max, err := c.readUint("cpuinfo_max_freq")
	if err != nil {
		return nil, err
	}
	min, err := c.readUint("cpuinfo_min_freq")
	if err != nil {
		return nil, err
	}
	return projection.NewPstates(max, min, 100000), nil
}

// SetMaxFreq writes scaling_max_freq of every cpu. Repeated requests for
// the frequency already applied do not touch sysfs.
func (c *Controller) SetMaxFreq(khz uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if khz == c.applied {
		return nil
	}

	value := []byte(strconv.FormatUint(khz, 10))
	for _, dir := range c.cpus {
		if err := afero.WriteFile(c.fs, filepath.Join(dir, "scaling_max_freq"), value, 0644); err != nil {
			c.applied = 0
			return fmt.Errorf("failed to set %d kHz in %s: %w", khz, dir, err)
		}
	}
	c.applied = khz
	log.Debugf("scaling_max_freq set to %d kHz on %d cpu(s)", khz, len(c.cpus))
	return nil
}

// AvgFreq averages scaling_cur_freq over all cpus, in kHz.
func (c *Controller) AvgFreq() (uint64, error) {
	var total, n uint64
	for _, dir := range c.cpus {
		data, err := afero.ReadFile(c.fs, filepath.Join(dir, "scaling_cur_freq"))
		if err != nil {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		total += v
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("no readable scaling_cur_freq under %s", c.root)
	}
	return total / n, nil
}

func (c *Controller) NumCPUs() int {
	return len(c.cpus)
}
