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

// Package report stores every governor cycle in a time series backend.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"

	"CranePower/internal/governor"
	"CranePower/internal/util"
)

var log = logrus.WithField("component", "Report")

const (
	TypeNone     = "none"
	TypeInfluxDB = "influxdb"
	TypeSQLite   = "sqlite"

	DefaultBatchSize = 10
	DefaultFlushTime = 30 * time.Second
)

type InfluxDBConfig struct {
	URL    string `mapstructure:"URL"`
	Token  string `mapstructure:"Token"`
	Org    string `mapstructure:"Org"`
	Bucket string `mapstructure:"Bucket"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"Path"`
}

type Config struct {
	Type      string          `mapstructure:"Type"`
	BatchSize int             `mapstructure:"BatchSize"`
	FlushTime string          `mapstructure:"FlushTime"`
	InfluxDB  *InfluxDBConfig `mapstructure:"InfluxDB"`
	SQLite    *SQLiteConfig   `mapstructure:"SQLite"`
}

type Reporter interface {
	governor.Reporter
	Close() error
}

// New builds the reporter named by cfg.Type. An empty type or "none"
// yields a nil reporter.
func New(cfg Config) (Reporter, error) {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	flush := util.ParseDurationOr(cfg.FlushTime, DefaultFlushTime)

	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeInfluxDB:
		if cfg.InfluxDB == nil {
			return nil, fmt.Errorf("influxdb config is nil")
		}
		return NewInfluxDB(cfg.InfluxDB, batch, flush)
	case TypeSQLite:
		if cfg.SQLite == nil {
			return nil, fmt.Errorf("sqlite config is nil")
		}
		return NewSQLite(cfg.SQLite, batch, flush)
	default:
		return nil, fmt.Errorf("unsupported report type: %s", cfg.Type)
	}
}

type NodeRow struct {
	NodeID      string
	Status      string
	Power       float64
	CurrentPC   uint32
	DefPowercap uint32
	DistPstate  uint32
	PowerRed    float64
	Idle        bool
	Victim      bool
}

// Snapshot is one governor cycle, detached from the governor's slices.
type Snapshot struct {
	Time    time.Time
	Cluster governor.ClusterStatus
	Nodes   []NodeRow
}

func NewSnapshot(now time.Time, status *governor.ClusterStatus, nodes []governor.NodeStatus) *Snapshot {
	s := &Snapshot{
		Time:    now,
		Cluster: *status,
		Nodes:   make([]NodeRow, 0, len(nodes)),
	}
	s.Cluster.Greedy = append([]governor.GreedyNode(nil), status.Greedy...)
	for i := range nodes {
		n := &nodes[i]
		row := NodeRow{
			NodeID:     n.NodeID,
			DistPstate: n.DistPstate,
			PowerRed:   n.PowerRed,
			Idle:       n.Idle,
			Victim:     n.Victim,
		}
		if n.Reply != nil {
			row.Status = n.Reply.Status
			row.Power = n.Reply.Power
			row.CurrentPC = n.Reply.CurrentPC
			row.DefPowercap = n.Reply.DefPowercap
		}
		s.Nodes = append(s.Nodes, row)
	}
	return s
}

// batcher buffers snapshots and hands them to write when the buffer is
// full, on every flush tick and on close.
type batcher struct {
	mu    sync.Mutex
	buf   []*Snapshot
	size  int
	write func([]*Snapshot) error

	stop chan struct{}
	done chan struct{}
}

func newBatcher(size int, every time.Duration, write func([]*Snapshot) error) *batcher {
	b := &batcher{
		buf:   make([]*Snapshot, 0, size),
		size:  size,
		write: write,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if every > 0 {
		go b.periodicFlush(every)
	} else {
		close(b.done)
	}
	return b
}

func (b *batcher) add(s *Snapshot) error {
	var full []*Snapshot

	b.mu.Lock()
	b.buf = append(b.buf, s)
	if len(b.buf) >= b.size {
		full = b.buf
		b.buf = make([]*Snapshot, 0, b.size)
	}
	b.mu.Unlock()

	if full != nil {
		return b.write(full)
	}
	return nil
}

func (b *batcher) flush() error {
	b.mu.Lock()
	pending := b.buf
	b.buf = make([]*Snapshot, 0, b.size)
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return b.write(pending)
}

func (b *batcher) periodicFlush(every time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.flush(); err != nil {
				log.Errorf("Failed to flush buffer: %v", err)
			}
		}
	}
}

func (b *batcher) close() error {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	<-b.done
	return b.flush()
}

func writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
