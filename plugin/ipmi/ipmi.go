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

package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"CranePower/api"
	"CranePower/internal/backend"
	"CranePower/internal/util"
)

// Compile-time check
var _ api.BackendPlugin = (*IPMIPlugin)(nil)

// PluginInstance is looked up by the node daemon.
var PluginInstance = &IPMIPlugin{}

type Config struct {
	// BMC is empty for the in-band interface, otherwise a lanplus host.
	BMC          string  `yaml:"BMC"`
	User         string  `yaml:"User"`
	Password     string  `yaml:"Password"`
	PasswordFile string  `yaml:"PasswordFile"`
	MinLimit     uint32  `yaml:"MinLimit"`
	MaxLimit     uint32  `yaml:"MaxLimit"`
	NodeRatio    float64 `yaml:"NodeRatio"`
	Timeout      string  `yaml:"Timeout"`

	// ipmitool runs on this host when set.
	SSH backend.SSHConfig `yaml:"SSH"`
}

// IPMIPlugin caps the whole node through the DCMI power limit of the BMC.
type IPMIPlugin struct {
	cfg     Config
	runner  backend.Runner
	timeout time.Duration

	mu      sync.Mutex
	enabled bool
	handle  api.PollingHandle
	mode    api.Mode
	limit   uint32
}

var readingPattern = regexp.MustCompile(`Instantaneous power reading:\s*([0-9.]+)\s*Watts`)

func (p *IPMIPlugin) Name() string {
	return "ipmi"
}

func (p *IPMIPlugin) Version() string {
	return "v0.1.0"
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if cfg.MaxLimit > 0 && cfg.MinLimit > cfg.MaxLimit {
		return cfg, fmt.Errorf("MinLimit %d above MaxLimit %d", cfg.MinLimit, cfg.MaxLimit)
	}
	if cfg.BMC != "" && cfg.User == "" {
		return cfg, fmt.Errorf("remote BMC %s needs User", cfg.BMC)
	}
	return cfg, nil
}

func (p *IPMIPlugin) Load(meta api.PluginMeta) error {
	cfg, err := LoadConfig(meta.Config)
	if err != nil {
		return err
	}

	var runner backend.Runner = &backend.LocalRunner{}
	if cfg.SSH.Host != "" {
		if runner, err = backend.NewSSHRunner(cfg.SSH); err != nil {
			return err
		}
	}
	p.init(cfg, runner)
	log.Infof("IPMI plugin loaded, BMC %q", cfg.BMC)
	return nil
}

func (p *IPMIPlugin) init(cfg Config, runner backend.Runner) {
	p.cfg = cfg
	p.runner = runner
	p.timeout = util.ParseDurationOr(cfg.Timeout, 10*time.Second)
}

func (p *IPMIPlugin) Unload(meta api.PluginMeta) error {
	err := p.Disable()
	if c, ok := p.runner.(interface{ Close() error }); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	log.Infof("IPMI plugin %s unloaded", meta.Name)
	return err
}

func (p *IPMIPlugin) command(args ...string) string {
	parts := []string{"ipmitool"}
	if p.cfg.BMC != "" {
		parts = append(parts, "-I", "lanplus", "-H", p.cfg.BMC, "-U", p.cfg.User)
		switch {
		case p.cfg.PasswordFile != "":
			parts = append(parts, "-f", p.cfg.PasswordFile)
		case p.cfg.Password != "":
			parts = append(parts, "-P", p.cfg.Password)
		}
	}
	parts = append(parts, "dcmi", "power")
	return strings.Join(append(parts, args...), " ")
}

func (p *IPMIPlugin) run(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	line := p.command(args...)
	if p.cfg.Password != "" {
		log.Debugf("Running %s", strings.Replace(line, p.cfg.Password, "****", 1))
	} else {
		log.Debugf("Running %s", line)
	}
	return p.runner.Run(ctx, line)
}

func (p *IPMIPlugin) Enable(handle api.PollingHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return nil
	}
	if p.runner == nil {
		return fmt.Errorf("IPMI plugin is not loaded")
	}
	if _, err := p.run("reading"); err != nil {
		return fmt.Errorf("BMC does not answer DCMI: %w", err)
	}
	p.handle = handle
	p.enabled = true
	return nil
}

func (p *IPMIPlugin) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return nil
	}

	var err error
	if p.limit > 0 {
		if _, err = p.run("deactivate"); err != nil {
			err = fmt.Errorf("failed to deactivate the power limit: %w", err)
		}
	}
	if p.handle != nil {
		p.handle.Relax()
	}
	p.enabled = false
	p.limit = 0
	return err
}

func (p *IPMIPlugin) clamp(limit uint32) uint32 {
	if limit < p.cfg.MinLimit {
		return p.cfg.MinLimit
	}
	if p.cfg.MaxLimit > 0 && limit > p.cfg.MaxLimit {
		return p.cfg.MaxLimit
	}
	return limit
}

func (p *IPMIPlugin) SetPowercapValue(pid int, domain api.Domain, limit uint32, _ []uint32) error {
	if domain != api.DomainNode {
		return fmt.Errorf("%w: %s on ipmi", api.ErrUnsupportedDomain, domain)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return api.ErrBackendDisabled
	}

	w := p.clamp(limit)
	if w == p.limit {
		return nil
	}
	if _, err := p.run("set_limit", "limit", strconv.FormatUint(uint64(w), 10)); err != nil {
		return fmt.Errorf("set %d W: %w", w, err)
	}
	// The first limit also has to be activated.
	if p.limit == 0 {
		if _, err := p.run("activate"); err != nil {
			return fmt.Errorf("activate %d W: %w", w, err)
		}
	}
	p.limit = w

	if p.handle != nil {
		if p.cfg.MaxLimit == 0 || w < p.cfg.MaxLimit {
			p.handle.Burst()
		} else {
			p.handle.Relax()
		}
	}
	log.Debugf("pid %d limit %d W", pid, w)
	return nil
}

func (p *IPMIPlugin) GetPowercapValue(int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return 0, api.ErrBackendDisabled
	}
	return p.limit, nil
}

func (p *IPMIPlugin) IsPolicyEnabled(int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && p.limit > 0
}

func (p *IPMIPlugin) GetStrategy() api.Strategy {
	return api.StrategyPower
}

func (p *IPMIPlugin) SetMode(mode api.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	return nil
}

func (p *IPMIPlugin) GetSettings() api.Settings {
	ratio := p.cfg.NodeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return api.Settings{NodeRatio: ratio}
}

func (p *IPMIPlugin) GetUsage() (float64, error) {
	out, err := p.run("reading")
	if err != nil {
		return 0, err
	}
	return parseReading(out)
}

func parseReading(out []byte) (float64, error) {
	m := readingPattern.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("unexpected DCMI reading output: %s", strings.TrimSpace(string(out)))
	}
	return strconv.ParseFloat(string(m[1]), 64)
}

func main() {
	log.Fatal("This is a plugin, should not be executed directly.\n" +
		"Please build it as a shared object (.so) and load it with cpowerd.")
}
