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
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"CranePower/api"
	"CranePower/internal/util"
)

// VendorShellConfig describes the vendor tool. Command lines are Go
// templates over {{.Device}}, {{.Limit}} (W) and {{.Enabled}} (0 or 1), e.g.
//
//	PowerLimitCmd:  nvidia-smi -i {{.Device}} -pl {{.Limit}}
//	PersistenceCmd: nvidia-smi -i {{.Device}} -pm {{.Enabled}}
//	UsageCmd:       nvidia-smi --query-gpu=power.draw --format=csv,noheader,nounits
type VendorShellConfig struct {
	Devices        int    `yaml:"Devices"`
	MinLimit       uint32 `yaml:"MinLimit"`
	MaxLimit       uint32 `yaml:"MaxLimit"`
	PowerLimitCmd  string `yaml:"PowerLimitCmd"`
	PersistenceCmd string `yaml:"PersistenceCmd"`
	UsageCmd       string `yaml:"UsageCmd"`
	ProbeCmd       string `yaml:"ProbeCmd"`
	Timeout        string `yaml:"Timeout"`

	// Commands run locally unless SSH.Host is set.
	SSH SSHConfig `yaml:"SSH"`
}

type cmdArgs struct {
	Device  int
	Limit   uint32
	Enabled int
}

type VendorShell struct {
	cfg      VendorShellConfig
	settings api.Settings
	runner   Runner
	timeout  time.Duration

	limitTmpl   *template.Template
	persistTmpl *template.Template

	mu      sync.Mutex
	enabled bool
	handle  api.PollingHandle
	mode    api.Mode
	limit   uint32
	device  []uint32
}

var _ api.Backend = (*VendorShell)(nil)

func NewVendorShell(cfg VendorShellConfig, settings api.Settings, runner Runner) (*VendorShell, error) {
	if cfg.PowerLimitCmd == "" {
		return nil, fmt.Errorf("vendor shell backend needs PowerLimitCmd")
	}
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.MaxLimit > 0 && cfg.MinLimit > cfg.MaxLimit {
		return nil, fmt.Errorf("vendor shell MinLimit %d above MaxLimit %d", cfg.MinLimit, cfg.MaxLimit)
	}

	limitTmpl, err := template.New("limit").Option("missingkey=error").Parse(cfg.PowerLimitCmd)
	if err != nil {
		return nil, fmt.Errorf("invalid PowerLimitCmd: %w", err)
	}
	var persistTmpl *template.Template
	if cfg.PersistenceCmd != "" {
		persistTmpl, err = template.New("persist").Option("missingkey=error").Parse(cfg.PersistenceCmd)
		if err != nil {
			return nil, fmt.Errorf("invalid PersistenceCmd: %w", err)
		}
	}

	return &VendorShell{
		cfg:         cfg,
		settings:    settings,
		runner:      runner,
		timeout:     util.ParseDurationOr(cfg.Timeout, 10*time.Second),
		limitTmpl:   limitTmpl,
		persistTmpl: persistTmpl,
		device:      make([]uint32, cfg.Devices),
	}, nil
}

func (v *VendorShell) Name() string {
	return NameVendorShell
}

func render(t *template.Template, args cmdArgs) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, args); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (v *VendorShell) run(t *template.Template, args cmdArgs) error {
	line, err := render(t, args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	log.Debugf("%s Running %s", prefixVendor, line)
	_, err = v.runner.Run(ctx, line)
	return err
}

func (v *VendorShell) setPersistence(on bool) error {
	if v.persistTmpl == nil {
		return nil
	}
	enabled := 0
	if on {
		enabled = 1
	}
	for dev := 0; dev < v.cfg.Devices; dev++ {
		if err := v.run(v.persistTmpl, cmdArgs{Device: dev, Enabled: enabled}); err != nil {
			return fmt.Errorf("persistence mode on device %d: %w", dev, err)
		}
	}
	return nil
}

// Probe tells whether the vendor tool answers on this node.
func (v *VendorShell) Probe() bool {
	if v.cfg.ProbeCmd == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	if _, err := v.runner.Run(ctx, v.cfg.ProbeCmd); err != nil {
		log.Debugf("%s Probe failed: %v", prefixVendor, err)
		return false
	}
	return true
}

func (v *VendorShell) Enable(handle api.PollingHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.enabled {
		return nil
	}
	if err := v.setPersistence(true); err != nil {
		return err
	}
	v.handle = handle
	v.enabled = true
	log.Infof("%s Enabled on %d device(s)", prefixVendor, v.cfg.Devices)
	return nil
}

func (v *VendorShell) Disable() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.enabled {
		return nil
	}

	var firstErr error
	if v.cfg.MaxLimit > 0 && v.limit > 0 {
		for dev := range v.device {
			if err := v.run(v.limitTmpl, cmdArgs{Device: dev, Limit: v.cfg.MaxLimit}); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("reset limit on device %d: %w", dev, err)
			}
		}
	}
	if err := v.setPersistence(false); err != nil && firstErr == nil {
		firstErr = err
	}

	if v.handle != nil {
		v.handle.Relax()
	}
	v.enabled = false
	v.limit = 0
	for i := range v.device {
		v.device[i] = 0
	}
	log.Infof("%s Disabled", prefixVendor)
	return firstErr
}

// split shares limit between devices in proportion to their utilization,
// evenly when no utilization is known. Each share is clamped to the device
// range, so the shares can add up to more than limit.
func (v *VendorShell) split(limit uint32, util []uint32) []uint32 {
	n := len(v.device)
	out := make([]uint32, n)

	var sum uint64
	for i := 0; i < n && i < len(util); i++ {
		sum += uint64(util[i])
	}
	for i := 0; i < n; i++ {
		if sum == 0 {
			out[i] = limit / uint32(n)
		} else if i < len(util) {
			out[i] = uint32(uint64(limit) * uint64(util[i]) / sum)
		}
		if out[i] < v.cfg.MinLimit {
			out[i] = v.cfg.MinLimit
		}
		if v.cfg.MaxLimit > 0 && out[i] > v.cfg.MaxLimit {
			out[i] = v.cfg.MaxLimit
		}
	}
	return out
}

func (v *VendorShell) SetPowercapValue(pid int, domain api.Domain, limit uint32, util []uint32) error {
	switch domain {
	case api.DomainNode, api.DomainGPU:
	default:
		return fmt.Errorf("%w: %s on %s", api.ErrUnsupportedDomain, domain, NameVendorShell)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.enabled {
		return api.ErrBackendDisabled
	}

	target := v.split(limit, util)
	prev := append([]uint32(nil), v.device...)
	for dev, w := range target {
		if w == v.device[dev] {
			continue
		}
		if err := v.run(v.limitTmpl, cmdArgs{Device: dev, Limit: w}); err != nil {
			v.rollback(prev, dev)
			return fmt.Errorf("set %d W on device %d: %w", w, dev, err)
		}
		v.device[dev] = w
	}

	// Device minimums may add up to more than was asked for. Report what
	// the devices actually enforce.
	var enforced uint32
	for _, w := range target {
		enforced += w
	}
	if enforced > limit {
		log.Warnf("%s %d W is below the device minimums, cap raised to %d W", prefixVendor, limit, enforced)
		limit = enforced
	}
	v.limit = limit

	if v.handle != nil {
		if v.cfg.MaxLimit == 0 || limit < v.cfg.MaxLimit*uint32(len(v.device)) {
			v.handle.Burst()
		} else {
			v.handle.Relax()
		}
	}
	log.Debugf("%s pid %d limit %d W split %v", prefixVendor, pid, limit, target)
	return nil
}

// rollback restores devices [0, upto) to the limits they had before the
// failed request.
func (v *VendorShell) rollback(prev []uint32, upto int) {
	for dev := 0; dev < upto; dev++ {
		if v.device[dev] == prev[dev] {
			continue
		}
		w := prev[dev]
		if w == 0 {
			w = v.cfg.MaxLimit
		}
		if w == 0 {
			continue
		}
		if err := v.run(v.limitTmpl, cmdArgs{Device: dev, Limit: w}); err != nil {
			log.Errorf("%s Failed to restore device %d to %d W: %v", prefixVendor, dev, w, err)
			continue
		}
		v.device[dev] = prev[dev]
	}
}

func (v *VendorShell) GetPowercapValue(int) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.enabled {
		return 0, api.ErrBackendDisabled
	}
	return v.limit, nil
}

func (v *VendorShell) IsPolicyEnabled(int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.enabled && v.limit > 0
}

func (v *VendorShell) GetStrategy() api.Strategy {
	return api.StrategyPower
}

func (v *VendorShell) SetMode(mode api.Mode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = mode
	return nil
}

func (v *VendorShell) GetSettings() api.Settings {
	return v.settings
}

// GetUsage sums one reading per output line of UsageCmd.
func (v *VendorShell) GetUsage() (float64, error) {
	if v.cfg.UsageCmd == "" {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	out, err := v.runner.Run(ctx, v.cfg.UsageCmd)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		w, err := strconv.ParseFloat(strings.Fields(line)[0], 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected usage output %q: %w", line, err)
		}
		total += w
	}
	return total, nil
}
