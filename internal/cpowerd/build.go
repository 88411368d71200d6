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
	"errors"
	"io"

	"github.com/spf13/afero"

	"CranePower/api"
	"CranePower/internal/backend"
	"CranePower/internal/cpufreq"
	"CranePower/internal/powercap"
	"CranePower/internal/projection"
	"CranePower/internal/sampler"
	"CranePower/internal/scheduler"
)

// Runtime holds what Build wired together so the daemon can drive and
// release it.
type Runtime struct {
	Node    *Node
	Sched   *scheduler.Scheduler
	Backend api.Backend

	closers []io.Closer
}

// Build assembles the node from its config. Missing hardware degrades the
// node (no DVFS, no projections, dummy backend) instead of failing it.
func Build(cfg *NodeConfig, fs afero.Fs) *Runtime {
	burst, relax, t1, maxAge := cfg.Intervals()
	rt := &Runtime{Sched: scheduler.New(burst, relax)}
	rt.Backend = backend.Select(cfg.Backend, rt.Sched)

	var pstates projection.Pstates
	var freq FreqSetter
	var freqReader sampler.FreqReader
	if ctl, err := cpufreq.NewController(fs, cfg.CpufreqRoot); err != nil {
		log.Warnf("Frequency control disabled: %v", err)
	} else if p, err := ctl.Pstates(); err != nil {
		log.Warnf("Frequency control disabled: %v", err)
	} else {
		pstates = p
		freq = ctl
		freqReader = ctl
	}

	var area projection.CoefficientArea
	if a, err := projection.LoadArea(fs, cfg.CoefficientPath); err != nil {
		log.Warnf("Projections disabled: %v", err)
	} else {
		area = a
		if pstates.Len() == 0 {
			pstates = a.Pstates
		} else if a.Pstates.Len() != pstates.Len() {
			log.Warnf("Coefficient area has %d pstates, the node has %d", a.Pstates.Len(), pstates.Len())
		}
	}
	model := projection.NewModel(pstates.Len(), area)
	log.Infof("%d pstate(s), %d projection(s) loaded", pstates.Len(), model.Loaded())

	var readers sampler.Fallback
	if cfg.UseIPMI {
		if r, err := sampler.NewIPMIReader(*cfg.Sensor); err != nil {
			log.Warnf("IPMI power sensor unavailable: %v", err)
		} else {
			readers = append(readers, r)
			rt.closers = append(rt.closers, r)
		}
	}
	readers = append(readers, sampler.BackendPower{Backend: rt.Backend})

	engine := powercap.NewEngine(cfg.EngineConfig(), model, pstates, rt.Backend, rt.Sched)
	rt.Node = NewNode(NodeOptions{
		ID:       cfg.NodeID,
		Engine:   engine,
		Model:    model,
		Sampler:  sampler.New(readers, freqReader, cfg.HistoryWindow),
		Freq:     freq,
		Policies: cfg.RPCPolicies(),
		T1Period: t1,
		MaxAge:   maxAge,
	})
	return rt
}

func (rt *Runtime) Close() error {
	var errs []error
	if err := rt.Backend.Disable(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range rt.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
