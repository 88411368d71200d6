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
	"fmt"
	"strings"
	"time"

	"CranePower/internal/rpc"
	"CranePower/internal/util"
)

// Risk is a cumulative bitmask: a higher tier always carries the bits of
// the lower ones.
type Risk uint32

const (
	RiskWarning1 Risk = 1 << iota
	RiskWarning2
	RiskPanic
)

type Level int

const (
	LevelNone Level = iota
	LevelWarning1
	LevelWarning2
	LevelPanic
)

func (l Level) String() string {
	switch l {
	case LevelWarning1:
		return "WARNING1"
	case LevelWarning2:
		return "WARNING2"
	case LevelPanic:
		return "PANIC"
	default:
		return "NONE"
	}
}

func MaskFor(level Level) Risk {
	switch {
	case level >= LevelPanic:
		return RiskWarning1 | RiskWarning2 | RiskPanic
	case level == LevelWarning2:
		return RiskWarning1 | RiskWarning2
	case level == LevelWarning1:
		return RiskWarning1
	default:
		return 0
	}
}

func (r Risk) String() string {
	if r == 0 {
		return "NONE"
	}
	var parts []string
	if r&RiskWarning1 != 0 {
		parts = append(parts, "WARNING1")
	}
	if r&RiskWarning2 != 0 {
		parts = append(parts, "WARNING2")
	}
	if r&RiskPanic != 0 {
		parts = append(parts, "PANIC")
	}
	return strings.Join(parts, "|")
}

type VictimOrder string

const (
	// IdleLast prefers nodes running jobs as victims.
	IdleLast VictimOrder = "IdleLast"
	// IdleFirst throttles idle capacity before busy nodes.
	IdleFirst VictimOrder = "IdleFirst"
)

type Config struct {
	Nodes    []string `mapstructure:"Nodes"`
	NodePort string   `mapstructure:"NodePort"`

	PowerBudget uint32  `mapstructure:"PowerBudget"`
	Warning1    float64 `mapstructure:"Warning1"`
	Warning2    float64 `mapstructure:"Warning2"`
	Panic       float64 `mapstructure:"Panic"`

	PollInterval time.Duration `mapstructure:"PollInterval"`
	NodeTimeout  time.Duration `mapstructure:"NodeTimeout"`

	VictimOrder       VictimOrder `mapstructure:"VictimOrder"`
	ReductionFraction float64     `mapstructure:"ReductionFraction"`
}

func (c *Config) Validate() error {
	if c.PowerBudget == 0 {
		return fmt.Errorf("PowerBudget must be positive")
	}
	if !(c.Warning1 > 0 && c.Warning1 <= c.Warning2 && c.Warning2 <= c.Panic) {
		return fmt.Errorf("risk thresholds must satisfy 0 < Warning1 <= Warning2 <= Panic, got %.1f/%.1f/%.1f",
			c.Warning1, c.Warning2, c.Panic)
	}
	if c.PollInterval <= 0 || c.NodeTimeout <= 0 {
		return fmt.Errorf("PollInterval and NodeTimeout must be positive")
	}
	switch c.VictimOrder {
	case IdleLast, IdleFirst:
	default:
		return fmt.Errorf("unknown VictimOrder %q", c.VictimOrder)
	}
	if c.ReductionFraction <= 0 || c.ReductionFraction > 1 {
		return fmt.Errorf("ReductionFraction must be in (0, 1], got %f", c.ReductionFraction)
	}
	return nil
}

type Node struct {
	ID   string
	Addr string
}

// ParseNodes expands host lists such as cn[01-16] into node addresses.
func ParseNodes(hosts []string, port string) ([]Node, error) {
	var nodes []Node
	seen := make(map[string]bool)
	for _, h := range hosts {
		names, ok := util.ParseHostList(h)
		if !ok {
			return nil, fmt.Errorf("invalid node list %q", h)
		}
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			nodes = append(nodes, Node{ID: name, Addr: util.NodeAddress(name, port)})
		}
	}
	return nodes, nil
}

// NodeStatus is one node as seen by the current cycle.
type NodeStatus struct {
	NodeID     string
	Addr       string
	DistPstate uint32
	PowerRed   float64
	Idle       bool
	Victim     bool

	Reply *rpc.StatusReply
}

type GreedyNode struct {
	NodeID         string
	Requested      bool
	Stress         uint8
	ExtraPower     uint32
	RequestedPower uint32
}

type ClusterStatus struct {
	TotalNodes   int
	IdleNodes    int
	Released     uint32
	Requested    uint32
	CurrentPower float64
	TotalCap     uint64
	Risk         Risk
	Greedy       []GreedyNode
}
