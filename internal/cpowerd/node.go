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
	"context"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"

	"CranePower/api"
	"CranePower/internal/governor"
	"CranePower/internal/powercap"
	"CranePower/internal/projection"
	"CranePower/internal/rpc"
	"CranePower/internal/sampler"
)

var log = logrus.WithField("component", "Cpowerd")

// FreqSetter applies the frequency the engine decided on. Only used with
// DVFS backends.
type FreqSetter interface {
	SetMaxFreq(khz uint64) error
}

type Sampler interface {
	Sample(ctx context.Context) (sampler.Sample, error)
	Last() sampler.Sample
	ReportSignature(sig projection.Signature)
	Signature(smp sampler.Sample, maxAge time.Duration) projection.Signature
}

type appRequest struct {
	freq uint64
	at   time.Time
}

// Node is everything cpowerd runs on one compute node. The monitoring
// task calls Tick, RPC handlers call the rest.
type Node struct {
	id       string
	engine   *powercap.Engine
	model    *projection.Model
	sampler  Sampler
	freq     FreqSetter
	policies []rpc.Policy

	t1Period time.Duration
	maxAge   time.Duration

	mu        sync.Mutex
	risk      uint32
	lastT1    time.Time
	jobPolicy map[uint32]string
	lastJob   uint32
	app       appRequest
	now       func() time.Time
}

type NodeOptions struct {
	ID       string
	Engine   *powercap.Engine
	Model    *projection.Model
	Sampler  Sampler
	Freq     FreqSetter
	Policies []rpc.Policy
	T1Period time.Duration
	MaxAge   time.Duration
}

func NewNode(o NodeOptions) *Node {
	return &Node{
		id:        o.ID,
		engine:    o.Engine,
		model:     o.Model,
		sampler:   o.Sampler,
		freq:      o.Freq,
		policies:  o.Policies,
		t1Period:  o.T1Period,
		maxAge:    o.MaxAge,
		jobPolicy: make(map[uint32]string),
		now:       time.Now,
	}
}

func (n *Node) Engine() *powercap.Engine {
	return n.engine
}

// Hooks is the job handler chain: the engine resets domain budgets first,
// then the node records the job policy.
func (n *Node) Hooks(t api.HookType) []api.HookHandler {
	chain := []api.JobHooks{n.engine, n}
	hs := make([]api.HookHandler, 0, len(chain))
	for _, h := range chain {
		if t == api.EndJobHook {
			hs = append(hs, h.EndJobHook)
		} else {
			hs = append(hs, h.NewJobHook)
		}
	}
	return hs
}

func (n *Node) NewJobHook(ctx *api.HookContext) {
	ev := ctx.Event()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobPolicy[ev.JobID] = ev.Policy
	n.lastJob = ev.JobID
	n.app = appRequest{}
	if ev.Policy != "" {
		if _, ok := n.policy(ev.Policy); !ok {
			log.Warnf("Job %d asks for unknown policy %q, using defaults", ev.JobID, ev.Policy)
		}
	}
}

func (n *Node) EndJobHook(ctx *api.HookContext) {
	ev := ctx.Event()
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.jobPolicy, ev.JobID)
	if n.lastJob == ev.JobID {
		n.lastJob = 0
		n.app = appRequest{}
	}
}

func (n *Node) policy(name string) (rpc.Policy, bool) {
	for _, p := range n.policies {
		if p.Name == name {
			return p, true
		}
	}
	return rpc.Policy{}, false
}

// requestedFreq is what the workload asks for: a recent application
// request first, then the policy of the newest job. Zero means maximum.
func (n *Node) requestedFreq(sig *projection.Signature) uint64 {
	n.mu.Lock()
	app := n.app
	name, running := n.jobPolicy[n.lastJob]
	n.mu.Unlock()

	if app.freq > 0 && (n.maxAge <= 0 || n.now().Sub(app.at) <= n.maxAge) {
		return app.freq
	}
	if !running {
		return 0
	}
	if p, ok := n.policy(name); ok {
		return n.policyFreq(p, sig)
	}
	return 0
}

// policyFreq lowers the policy frequency while the projected slowdown
// stays within the policy threshold.
func (n *Node) policyFreq(p rpc.Policy, sig *projection.Signature) uint64 {
	pstates := n.engine.Pstates()
	if p.Freq == 0 || p.Threshold <= 0 || sig.Time <= 0 || pstates.Len() == 0 || n.model == nil {
		return p.Freq
	}

	from := pstates.Index(sig.AvgF)
	start := pstates.Index(p.Freq)
	base, err := n.model.ProjectTime(sig, from, start)
	if err != nil || base <= 0 {
		return p.Freq
	}

	chosen := pstates.Freq(start)
	for i := start + 1; i < pstates.Len(); i++ {
		t, err := n.model.ProjectTime(sig, from, i)
		if err != nil || t/base-1 > p.Threshold {
			break
		}
		chosen = pstates.Freq(i)
	}
	return chosen
}

// Tick is one monitoring period: sample, pick a frequency, classify.
func (n *Node) Tick(ctx context.Context) {
	n.mu.Lock()
	now := n.now()
	if n.t1Period > 0 && now.Sub(n.lastT1) >= n.t1Period {
		n.lastT1 = now
		n.mu.Unlock()
		n.engine.NewT1Cycle()
	} else {
		n.mu.Unlock()
	}

	smp, err := n.sampler.Sample(ctx)
	if err != nil {
		log.Warnf("Skipping period: %v", err)
		return
	}
	sig := n.sampler.Signature(smp, n.maxAge)

	chosen := n.engine.AdaptFrequency(n.requestedFreq(&sig), &sig)
	if n.freq != nil && n.engine.Backend().GetStrategy() == api.StrategyDVFS {
		if err := n.freq.SetMaxFreq(chosen); err != nil {
			log.Errorf("Failed to set frequency to %d kHz: %v", chosen, err)
		}
	}

	status := n.engine.ComputeNextState(&sig)
	log.Tracef("%.1f W at %d kHz, chose %d kHz, status %s", sig.DCPower, sig.AvgF, chosen, status)
}

// ReportSignature stores the application side of the signature and
// answers with the frequency the engine would run it at. The next Tick
// applies it.
func (n *Node) ReportSignature(req *rpc.SignatureRequest) *rpc.SignatureReply {
	app := projection.Signature{Time: req.Time, CPI: req.CPI, TPI: req.TPI, DefF: req.DefF}
	n.sampler.ReportSignature(app)

	n.mu.Lock()
	if req.Freq > 0 {
		n.app = appRequest{freq: req.Freq, at: n.now()}
	}
	n.mu.Unlock()

	sig := n.sampler.Signature(n.sampler.Last(), n.maxAge)
	freq := n.engine.Preview(n.requestedFreq(&sig), &sig)
	return &rpc.SignatureReply{Freq: freq, Status: n.engine.Snapshot().Status.String()}
}

// SetRisk records the cluster risk and applies the limit sent with it.
func (n *Node) SetRisk(ctx context.Context, risk, limit uint32) error {
	n.mu.Lock()
	prev := n.risk
	n.risk = risk
	n.mu.Unlock()

	if prev != risk {
		log.Warnf("Cluster risk changed from %s to %s", governor.Risk(prev), governor.Risk(risk))
	}
	if limit == 0 {
		return nil
	}
	return n.engine.SetPowercap(ctx, limit)
}

func (n *Node) Risk() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.risk
}

func (n *Node) Status() *rpc.StatusReply {
	rec := n.engine.Snapshot()
	smp := n.sampler.Last()
	pstates := n.engine.Pstates()

	n.mu.Lock()
	jobs := len(n.jobPolicy)
	risk := n.risk
	n.mu.Unlock()

	reply := &rpc.StatusReply{
		NodeID:  n.id,
		Backend: n.engine.Backend().Name(),
		Status:  rec.Status.String(),
		Idle:    n.engine.Idle(),
		Jobs:    jobs,

		CurrentPC:       rec.CurrentPC,
		LastT1Allocated: rec.LastT1Allocated,
		DefPowercap:     rec.DefPowercap,
		PowercapIdle:    rec.PowercapIdle,
		MaxNodePower:    rec.MaxNodePower,
		Released:        rec.Released,
		Requested:       rec.Requested,
		RequestedPower:  rec.RequestedPower,
		PperDomain:      rec.PperDomain,
		Stress:          rec.Stress(),

		Power:         smp.DCPower,
		AvgFreq:       smp.AvgF,
		RequestedFreq: rec.RequestedFreq,
		EffectiveFreq: rec.EffectiveFreq,

		Risk:     risk,
		Policies: n.policies,
	}
	if pstates.Len() > 0 {
		reply.MaxFreq = pstates.Max()
		reply.PstateStep = pstates.Step()
	}
	return reply
}
