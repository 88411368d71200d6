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

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"CranePower/internal/governor"
)

const (
	measurementCluster = "cluster_power"
	measurementNode    = "node_power"
)

type InfluxDB struct {
	client influxdb2.Client
	org    string
	bucket string

	*batcher
}

func NewInfluxDB(cfg *InfluxDBConfig, batchSize int, flush time.Duration) (*InfluxDB, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := writeContext()
	defer cancel()
	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping InfluxDB: %w", err)
	}

	db := &InfluxDB{
		client: client,
		org:    cfg.Org,
		bucket: cfg.Bucket,
	}
	if err := db.createBucketIfNotExists(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	db.batcher = newBatcher(batchSize, flush, db.writeBatch)
	log.Infof("Reporting to InfluxDB %s, bucket %s", cfg.URL, cfg.Bucket)
	return db, nil
}

func (db *InfluxDB) Report(_ context.Context, status *governor.ClusterStatus, nodes []governor.NodeStatus) error {
	return db.add(NewSnapshot(time.Now(), status, nodes))
}

func (db *InfluxDB) writeBatch(snaps []*Snapshot) error {
	log.Debugf("Writing %d cycle(s) to InfluxDB", len(snaps))

	ctx, cancel := writeContext()
	defer cancel()
	writeAPI := db.client.WriteAPIBlocking(db.org, db.bucket)
	if err := writeAPI.WritePoint(ctx, Points(snaps)...); err != nil {
		return fmt.Errorf("failed to write batch data: %w", err)
	}
	return nil
}

// Points turns snapshots into one cluster point plus one point per node.
func Points(snaps []*Snapshot) []*write.Point {
	var points []*write.Point
	for _, s := range snaps {
		c := &s.Cluster
		points = append(points, influxdb2.NewPoint(
			measurementCluster,
			map[string]string{"risk": c.Risk.String()},
			map[string]interface{}{
				"total_nodes":  int64(c.TotalNodes),
				"idle_nodes":   int64(c.IdleNodes),
				"released_w":   int64(c.Released),
				"requested_w":  int64(c.Requested),
				"power_w":      c.CurrentPower,
				"total_cap_w":  int64(c.TotalCap),
				"greedy_nodes": int64(len(c.Greedy)),
				"risk_mask":    int64(c.Risk),
			},
			s.Time,
		))

		for _, n := range s.Nodes {
			points = append(points, influxdb2.NewPoint(
				measurementNode,
				map[string]string{
					"node_id": n.NodeID,
					"status":  n.Status,
				},
				map[string]interface{}{
					"power_w":      n.Power,
					"current_pc":   int64(n.CurrentPC),
					"def_powercap": int64(n.DefPowercap),
					"dist_pstate":  int64(n.DistPstate),
					"power_red_w":  n.PowerRed,
					"idle":         n.Idle,
					"victim":       n.Victim,
				},
				s.Time,
			))
		}
	}
	return points
}

func (db *InfluxDB) Close() error {
	err := db.close()
	db.client.Close()
	return err
}

func (db *InfluxDB) createBucketIfNotExists(ctx context.Context) error {
	orgAPI := db.client.OrganizationsAPI()
	org, _ := orgAPI.FindOrganizationByName(ctx, db.org)
	if org == nil {
		log.Infof("Creating organization: %s", db.org)
		var err error
		if org, err = orgAPI.CreateOrganizationWithName(ctx, db.org); err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}
	}

	bucketsAPI := db.client.BucketsAPI()
	if bucket, _ := bucketsAPI.FindBucketByName(ctx, db.bucket); bucket != nil {
		return nil
	}

	log.Infof("Creating bucket: %s", db.bucket)
	if _, err := bucketsAPI.CreateBucketWithName(ctx, org, db.bucket); err != nil {
		return err
	}
	return nil
}
