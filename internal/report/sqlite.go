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

package report

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"CranePower/internal/governor"
)

type ClusterRecord struct {
	ID        uint      `gorm:"primarykey"`
	Timestamp time.Time `gorm:"index"`

	TotalNodes   int
	IdleNodes    int
	Released     uint32
	Requested    uint32
	CurrentPower float64
	TotalCap     uint64
	GreedyNodes  int
	Risk         uint32
}

type NodeRecord struct {
	ID        uint      `gorm:"primarykey"`
	Timestamp time.Time `gorm:"index"`
	NodeID    string    `gorm:"index"`

	Status      string
	Power       float64
	CurrentPC   uint32
	DefPowercap uint32
	DistPstate  uint32
	PowerRed    float64
	Idle        bool
	Victim      bool
}

// SQLite keeps the cycle history in a local database file, for sites
// without a time series server.
type SQLite struct {
	db *gorm.DB

	*batcher
}

func NewSQLite(cfg *SQLiteConfig, batchSize int, flush time.Duration) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}
	if err := db.AutoMigrate(&ClusterRecord{}, &NodeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate %s: %w", cfg.Path, err)
	}

	s := &SQLite{db: db}
	s.batcher = newBatcher(batchSize, flush, s.writeBatch)
	log.Debugf("SQLite database %s ready", cfg.Path)
	return s, nil
}

func (s *SQLite) Report(_ context.Context, status *governor.ClusterStatus, nodes []governor.NodeStatus) error {
	return s.add(NewSnapshot(time.Now(), status, nodes))
}

// ClusterHistory returns the newest cycles first.
func (s *SQLite) ClusterHistory(limit int) ([]ClusterRecord, error) {
	var out []ClusterRecord
	err := s.db.Order("timestamp desc, id desc").Limit(limit).Find(&out).Error
	return out, err
}

// NodeHistory returns the newest rows of one node first. An empty nodeID
// matches every node.
func (s *SQLite) NodeHistory(nodeID string, limit int) ([]NodeRecord, error) {
	q := s.db.Order("timestamp desc, id desc").Limit(limit)
	if nodeID != "" {
		q = q.Where("node_id = ?", nodeID)
	}
	var out []NodeRecord
	err := q.Find(&out).Error
	return out, err
}

func (s *SQLite) writeBatch(snaps []*Snapshot) error {
	clusters := make([]ClusterRecord, 0, len(snaps))
	var nodes []NodeRecord
	for _, snap := range snaps {
		c := &snap.Cluster
		clusters = append(clusters, ClusterRecord{
			Timestamp:    snap.Time,
			TotalNodes:   c.TotalNodes,
			IdleNodes:    c.IdleNodes,
			Released:     c.Released,
			Requested:    c.Requested,
			CurrentPower: c.CurrentPower,
			TotalCap:     c.TotalCap,
			GreedyNodes:  len(c.Greedy),
			Risk:         uint32(c.Risk),
		})
		for _, n := range snap.Nodes {
			nodes = append(nodes, NodeRecord{
				Timestamp:   snap.Time,
				NodeID:      n.NodeID,
				Status:      n.Status,
				Power:       n.Power,
				CurrentPC:   n.CurrentPC,
				DefPowercap: n.DefPowercap,
				DistPstate:  n.DistPstate,
				PowerRed:    n.PowerRed,
				Idle:        n.Idle,
				Victim:      n.Victim,
			})
		}
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&clusters).Error; err != nil {
			return err
		}
		if len(nodes) == 0 {
			return nil
		}
		return tx.CreateInBatches(&nodes, 100).Error
	})
}

func (s *SQLite) Close() error {
	err := s.close()
	if sqlDB, dbErr := s.db.DB(); dbErr == nil {
		_ = sqlDB.Close()
	}
	return err
}
