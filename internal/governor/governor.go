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

// Package governor watches the aggregate power of a set of nodes against
// a facility budget and throttles victims when it gets close.
package governor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"

	"CranePower/internal/rpc"
	"CranePower/internal/util"
)

var log = logrus.WithField("component", "Governor")

var (
	ErrNoNodes    = errors.New("no node configured")
	ErrNoMajority = errors.New("not enough nodes answered")
)

type NodeClient interface {
	Status(ctx context.Context) (*rpc.StatusReply, error)
	SetPowercap(ctx context.Context, limit uint32) (*rpc.SetPowercapReply, error)
	SetRisk(ctx context.Context, risk uint32, limit uint32) error
}

type Dialer func(addr string) (NodeClient, error)

// DialRPC is the production dialer.
func DialRPC(addr string) (NodeClient, error) {
	return rpc.Dial(addr)
}

type Reporter interface {
	Report(ctx context.Context, status *ClusterStatus, nodes []NodeStatus) error
}

// Governor owns the cluster-wide state. Several governors, one per island,
// can run side by side.
type Governor struct {
	cfg      Config
	nodes    []Node
	dial     Dialer
	reporter Reporter

	mu       sync.Mutex
	clients  map[string]NodeClient
	lastRisk Risk
	last     *ClusterStatus
}

func New(cfg Config, nodes []Node, dial Dialer, reporter Reporter) *Governor {
	return &Governor{
		cfg:      cfg,
		nodes:    nodes,
		dial:     dial,
		reporter: reporter,
		clients:  make(map[string]NodeClient),
	}
}

func (g *Governor) Nodes() []Node {
	return g.nodes
}

func (g *Governor) LastRiskSent() Risk {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRisk
}

// LastStatus is the aggregate of the last successful cycle, nil before.
func (g *Governor) LastStatus() *ClusterStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *Governor) client(n Node) (NodeClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[n.ID]; ok {
		return c, nil
	}
	c, err := g.dial(n.Addr)
	if err != nil {
		return nil, err
	}
	g.clients[n.ID] = c
	return c, nil
}

func (g *Governor) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.clients {
		if closer, ok := c.(io.Closer); ok {
			_ = closer.Close()
		}
		delete(g.clients, id)
	}
}

// forEach runs fn on every node concurrently, each call bounded by the
// node timeout.
func (g *Governor) forEach(ctx context.Context, nodes []Node, fn func(ctx context.Context, i int, n Node, c NodeClient)) {
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n Node) {
			defer wg.Done()
			c, err := g.client(n)
			if err != nil {
				log.Errorf("Cannot connect to node %s: %v", n.ID, err)
				return
			}
			cctx, cancel := context.WithTimeout(ctx, g.cfg.NodeTimeout)
			defer cancel()
			fn(cctx, i, n, c)
		}(i, n)
	}
	wg.Wait()
}

// PollClusterStatus asks every node for its status. Nodes that do not
// answer in time are left out. Less than a strict majority is an error.
func (g *Governor) PollClusterStatus(ctx context.Context) ([]NodeStatus, error) {
	if len(g.nodes) == 0 {
		return nil, ErrNoNodes
	}

	results := make([]*NodeStatus, len(g.nodes))
	g.forEach(ctx, g.nodes, func(ctx context.Context, i int, n Node, c NodeClient) {
		reply, err := c.Status(ctx)
		if err != nil {
			util.GrpcErrorPrintf(err, "Failed to poll node %s", n.ID)
			return
		}
		results[i] = g.snapshot(n, reply)
	})

	nodes := make([]NodeStatus, 0, len(results))
	for _, r := range results {
		if r != nil {
			nodes = append(nodes, *r)
		}
	}
	if len(nodes)*2 <= len(g.nodes) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoMajority, len(nodes), len(g.nodes))
	}
	return nodes, nil
}

func (g *Governor) snapshot(n Node, reply *rpc.StatusReply) *NodeStatus {
	dist := DistPstate(reply.AvgFreq, reply.MaxFreq, reply.PstateStep)
	return &NodeStatus{
		NodeID:     n.ID,
		Addr:       n.Addr,
		DistPstate: dist,
		PowerRed:   PowerRed(reply.Power, dist, len(g.nodes), g.cfg.ReductionFraction),
		Idle:       reply.Idle,
		Reply:      reply,
	}
}

// Aggregate rebuilds the cluster status from this cycle's snapshots.
func Aggregate(nodes []NodeStatus) ClusterStatus {
	var cs ClusterStatus
	greedy := 0
	for i := range nodes {
		if nodes[i].Reply.Status == "GREEDY" {
			greedy++
		}
	}
	cs.Greedy = make([]GreedyNode, 0, greedy)

	for i := range nodes {
		r := nodes[i].Reply
		cs.TotalNodes++
		if nodes[i].Idle {
			cs.IdleNodes++
		}
		cs.CurrentPower += r.Power
		cs.TotalCap += uint64(r.CurrentPC)

		switch r.Status {
		case "RELEASE":
			cs.Released += r.Released
		case "GREEDY":
			cs.Requested += r.Requested
			var extra uint32
			if r.CurrentPC > r.DefPowercap {
				extra = r.CurrentPC - r.DefPowercap
			}
			cs.Greedy = append(cs.Greedy, GreedyNode{
				NodeID:         nodes[i].NodeID,
				Requested:      r.Requested > 0,
				Stress:         r.Stress,
				ExtraPower:     extra,
				RequestedPower: r.Requested,
			})
		}
	}
	return cs
}

func (g *Governor) riskLevel(power float64) Level {
	pct := power * 100 / float64(g.cfg.PowerBudget)
	switch {
	case pct >= g.cfg.Panic:
		return LevelPanic
	case pct >= g.cfg.Warning2:
		return LevelWarning2
	case pct >= g.cfg.Warning1:
		return LevelWarning1
	default:
		return LevelNone
	}
}

// RiskFor is the mask a cycle drawing power watts would broadcast.
func (g *Governor) RiskFor(power float64) Risk {
	return MaskFor(g.riskLevel(power))
}

// EscalateRisk records the mask for level and broadcasts it. Nodes that
// miss the broadcast get it with the next change.
func (g *Governor) EscalateRisk(ctx context.Context, level Level) Risk {
	mask := MaskFor(level)
	g.mu.Lock()
	g.lastRisk = mask
	g.mu.Unlock()

	log.Warnf("Cluster risk %s, broadcasting %s to %d node(s)", level, mask, len(g.nodes))
	g.forEach(ctx, g.nodes, func(ctx context.Context, _ int, n Node, c NodeClient) {
		if err := c.SetRisk(ctx, uint32(mask), 0); err != nil {
			util.GrpcErrorPrintf(err, "Failed to send risk to node %s", n.ID)
		}
	})
	return mask
}

// throttle lowers the cap of every victim by its PowerRed, never below the
// node idle cap.
func (g *Governor) throttle(ctx context.Context, nodes []NodeStatus) {
	var victims []Node
	limits := make(map[string]uint32)
	for i := range nodes {
		if !nodes[i].Victim {
			continue
		}
		r := nodes[i].Reply
		limit := r.PowercapIdle
		if red := uint32(nodes[i].PowerRed); r.CurrentPC > red && r.CurrentPC-red > limit {
			limit = r.CurrentPC - red
		}
		if limit >= r.CurrentPC {
			continue
		}
		victims = append(victims, Node{ID: nodes[i].NodeID, Addr: nodes[i].Addr})
		limits[nodes[i].NodeID] = limit
	}

	g.forEach(ctx, victims, func(ctx context.Context, _ int, n Node, c NodeClient) {
		if _, err := c.SetPowercap(ctx, limits[n.ID]); err != nil {
			util.GrpcErrorPrintf(err, "Failed to throttle node %s to %d W", n.ID, limits[n.ID])
			return
		}
		log.Infof("Node %s throttled to %d W", n.ID, limits[n.ID])
	})
}

// RunCycle is one governor period. A failed poll skips the whole cycle and
// leaves the last risk untouched.
func (g *Governor) RunCycle(ctx context.Context) error {
	nodes, err := g.PollClusterStatus(ctx)
	if err != nil {
		return fmt.Errorf("cycle skipped: %w", err)
	}

	status := Aggregate(nodes)
	level := g.riskLevel(status.CurrentPower)
	status.Risk = MaskFor(level)
	g.mu.Lock()
	g.last = &status
	g.mu.Unlock()

	log.Debugf("%d/%d node(s), %.1f W of %d W budget, cap %d W, risk %s",
		len(nodes), len(g.nodes), status.CurrentPower, g.cfg.PowerBudget, status.TotalCap, level)

	if level != LevelNone {
		target := status.CurrentPower - float64(g.cfg.PowerBudget)*g.cfg.Warning1/100
		SortByVictimPriority(nodes, g.cfg.VictimOrder)
		got := SelectVictims(nodes, target)
		if got < target {
			log.Warnf("Victims only recover %.1f W of %.1f W", got, target)
		}
		g.throttle(ctx, nodes)
	}

	if MaskFor(level) != g.LastRiskSent() {
		g.EscalateRisk(ctx, level)
	}

	if level == LevelNone {
		g.Reallocate(ctx, &status, nodes)
	}

	if g.reporter != nil {
		if err := g.reporter.Report(ctx, &status, nodes); err != nil {
			log.Warnf("Failed to report cluster status: %v", err)
		}
	}
	return nil
}

// Run drives RunCycle every PollInterval until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := g.RunCycle(ctx); err != nil {
			log.Errorf("%v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
