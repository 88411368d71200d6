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

package cpowerd

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"

	"CranePower/internal/backend"
	"CranePower/internal/cpufreq"
	"CranePower/internal/powercap"
	"CranePower/internal/rpc"
	"CranePower/internal/sampler"
	"CranePower/internal/util"
)

type PolicyConfig struct {
	Name      string  `yaml:"Name"`
	Freq      uint64  `yaml:"Freq"`
	Threshold float64 `yaml:"Threshold"`
}

type RatioConfig struct {
	CPU  float64 `yaml:"CPU"`
	DRAM float64 `yaml:"DRAM"`
	GPU  float64 `yaml:"GPU"`
}

type NodeConfig struct {
	NodeID     string `yaml:"NodeID"`
	ListenAddr string `yaml:"ListenAddr"`
	ListenPort string `yaml:"ListenPort"`
	SockPath   string `yaml:"SockPath"`
	LogLevel   string `yaml:"LogLevel"`
	LogFile    string `yaml:"LogFile"`

	// watts
	DefPowercap  uint32 `yaml:"DefPowercap"`
	PowercapIdle uint32 `yaml:"PowercapIdle"`
	MaxNodePower uint32 `yaml:"MaxNodePower"`
	// percent
	ThInc     uint32 `yaml:"ThInc"`
	ThRed     uint32 `yaml:"ThRed"`
	ThRelease uint32 `yaml:"ThRelease"`

	DomainRatio RatioConfig `yaml:"DomainRatio"`

	BurstInterval   string `yaml:"BurstInterval"`
	RelaxInterval   string `yaml:"RelaxInterval"`
	T1Period        string `yaml:"T1Period"`
	SignatureMaxAge string `yaml:"SignatureMaxAge"`
	HistoryWindow   int    `yaml:"HistoryWindow"`

	CoefficientPath string                `yaml:"CoefficientPath"`
	CpufreqRoot     string                `yaml:"CpufreqRoot"`
	UseIPMI         bool                  `yaml:"UseIPMI"`
	Sensor          *sampler.SensorConfig `yaml:"Sensor"`

	Backend  backend.Config `yaml:"Backend"`
	Policies []PolicyConfig `yaml:"Policies"`
}

// ParseConfig reads the Node section of the power config file.
func ParseConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	temp := struct {
		Node NodeConfig `yaml:"Node"`
	}{}
	if err := yaml.Unmarshal(data, &temp); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg := &temp.Node
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *NodeConfig) setDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		}
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0"
	}
	if c.ListenPort == "" {
		c.ListenPort = util.DefaultCpowerdListenPort
	}
	if c.SockPath == "" {
		c.SockPath = util.DefaultCpowerdSocketPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PowercapIdle == 0 {
		c.PowercapIdle = c.DefPowercap / 2
	}
	if c.MaxNodePower == 0 {
		c.MaxNodePower = c.DefPowercap
	}
	if c.ThInc == 0 {
		c.ThInc = 5
	}
	if c.ThRed == 0 {
		c.ThRed = 5
	}
	if c.ThRelease == 0 {
		c.ThRelease = 10
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 5
	}
	if c.CoefficientPath == "" {
		c.CoefficientPath = util.DefaultCoefficientAreaPath
	}
	if c.CpufreqRoot == "" {
		c.CpufreqRoot = cpufreq.DefaultRoot
	}
	if c.Sensor == nil {
		s := sampler.DefaultSensor
		c.Sensor = &s
	}
	if c.Backend.Name == "" {
		c.Backend.Name = backend.NameAuto
	}
}

func (c *NodeConfig) Validate() error {
	if err := util.CheckLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.DefPowercap == 0 {
		return fmt.Errorf("DefPowercap must be positive")
	}
	if c.PowercapIdle > c.DefPowercap {
		return fmt.Errorf("PowercapIdle %d W is above DefPowercap %d W", c.PowercapIdle, c.DefPowercap)
	}
	if c.MaxNodePower < c.DefPowercap {
		return fmt.Errorf("MaxNodePower %d W is below DefPowercap %d W", c.MaxNodePower, c.DefPowercap)
	}
	for name, th := range map[string]uint32{"ThInc": c.ThInc, "ThRed": c.ThRed, "ThRelease": c.ThRelease} {
		if th >= 100 {
			return fmt.Errorf("%s must be a percentage below 100, got %d", name, th)
		}
	}
	if sum := c.DomainRatio.CPU + c.DomainRatio.DRAM + c.DomainRatio.GPU; sum > 1 {
		return fmt.Errorf("DomainRatio adds up to %.2f, more than the node budget", sum)
	}
	if len(c.Policies) > rpc.MaxPolicies {
		return fmt.Errorf("at most %d policies are supported, got %d", rpc.MaxPolicies, len(c.Policies))
	}
	seen := make(map[string]bool)
	for _, p := range c.Policies {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("policy names must be unique and non-empty, got %q", p.Name)
		}
		seen[p.Name] = true
		if p.Threshold < 0 {
			return fmt.Errorf("policy %s has a negative threshold", p.Name)
		}
	}
	return nil
}

func (c *NodeConfig) EngineConfig() powercap.Config {
	return powercap.Config{
		DefPowercap:  c.DefPowercap,
		PowercapIdle: c.PowercapIdle,
		MaxNodePower: c.MaxNodePower,
		ThInc:        c.ThInc,
		ThRed:        c.ThRed,
		ThRelease:    c.ThRelease,
		Ratio: powercap.DomainRatio{
			CPU:  c.DomainRatio.CPU,
			DRAM: c.DomainRatio.DRAM,
			GPU:  c.DomainRatio.GPU,
		},
	}
}

func (c *NodeConfig) Intervals() (burst, relax, t1, maxAge time.Duration) {
	burst = util.ParseDurationOr(c.BurstInterval, time.Second)
	relax = util.ParseDurationOr(c.RelaxInterval, 10*time.Second)
	t1 = util.ParseDurationOr(c.T1Period, time.Minute)
	maxAge = util.ParseDurationOr(c.SignatureMaxAge, 2*time.Minute)
	return
}

func (c *NodeConfig) RPCPolicies() []rpc.Policy {
	out := make([]rpc.Policy, 0, len(c.Policies))
	for _, p := range c.Policies {
		out = append(out, rpc.Policy{Name: p.Name, Freq: p.Freq, Threshold: p.Threshold})
	}
	return out
}
