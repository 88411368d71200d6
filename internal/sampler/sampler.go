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

// Package sampler collects the per-period node metrics the power-cap
// engine works on.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	logrus "github.com/sirupsen/logrus"

	"CranePower/api"
	"CranePower/internal/projection"
)

var log = logrus.WithField("component", "Sampler")

var ErrNoPowerReader = errors.New("no power reader available")

type PowerReader interface {
	Name() string
	Power() (float64, error)
}

type FreqReader interface {
	AvgFreq() (uint64, error)
}

// BackendPower reads node power from the powercap backend.
type BackendPower struct {
	Backend api.Backend
}

func (b BackendPower) Name() string {
	return "backend/" + b.Backend.Name()
}

func (b BackendPower) Power() (float64, error) {
	return b.Backend.GetUsage()
}

// Fallback returns the first reader that answers.
type Fallback []PowerReader

func (f Fallback) Name() string {
	return "fallback"
}

func (f Fallback) Power() (float64, error) {
	var errs []error
	for _, r := range f {
		p, err := r.Power()
		if err == nil {
			return p, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
	}
	if len(errs) == 0 {
		return 0, ErrNoPowerReader
	}
	return 0, errors.Join(errs...)
}

type Sample struct {
	Time     time.Time
	DCPower  float64 // median over the history window
	RawPower float64
	AvgF     uint64
	CPUUtil  float64
	MemUtil  float64
	Load1    float64
}

type Sampler struct {
	power   PowerReader
	freq    FreqReader
	history *History

	mu    sync.Mutex
	app   projection.Signature
	appAt time.Time
	last  Sample
}

// New builds a sampler. freq may be nil, gopsutil is asked then.
func New(power PowerReader, freq FreqReader, window int) *Sampler {
	return &Sampler{
		power:   power,
		freq:    freq,
		history: NewHistory(window),
	}
}

func (s *Sampler) avgFreq(ctx context.Context) (uint64, error) {
	if s.freq != nil {
		if f, err := s.freq.AvgFreq(); err == nil {
			return f, nil
		}
	}
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("get CPU frequency: %w", err)
	}
	if len(infos) == 0 {
		return 0, fmt.Errorf("no CPU frequency data")
	}
	var total float64
	for _, info := range infos {
		total += info.Mhz
	}
	return uint64(total / float64(len(infos)) * 1000), nil
}

// Sample reads one period worth of metrics. Only a missing power reading
// is an error, the rest is best effort.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	smp := Sample{Time: time.Now()}

	if s.power == nil {
		return smp, ErrNoPowerReader
	}
	p, err := s.power.Power()
	if err != nil {
		return smp, fmt.Errorf("read node power: %w", err)
	}
	s.history.Add(p)
	smp.RawPower = p
	smp.DCPower = s.history.Median()

	if f, err := s.avgFreq(ctx); err == nil {
		smp.AvgF = f
	} else {
		log.Debugf("Frequency unavailable: %v", err)
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		smp.CPUUtil = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		smp.MemUtil = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		smp.Load1 = avg.Load1
	}

	s.mu.Lock()
	s.last = smp
	s.mu.Unlock()
	return smp, nil
}

func (s *Sampler) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ReportSignature stores the application side of the signature.
func (s *Sampler) ReportSignature(sig projection.Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.app = sig
	s.appAt = time.Now()
}

// Signature completes the last application signature with the measured
// power and frequency. Application data older than maxAge is dropped.
func (s *Sampler) Signature(smp Sample, maxAge time.Duration) projection.Signature {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sig projection.Signature
	if !s.appAt.IsZero() && (maxAge <= 0 || smp.Time.Sub(s.appAt) <= maxAge) {
		sig = s.app
	}
	sig.DCPower = smp.DCPower
	sig.AvgF = smp.AvgF
	if sig.DefF == 0 {
		sig.DefF = smp.AvgF
	}
	return sig
}
