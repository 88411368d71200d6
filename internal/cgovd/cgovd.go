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

package cgovd

import (
	"context"
	"errors"

	logrus "github.com/sirupsen/logrus"

	"CranePower/internal/governor"
	"CranePower/internal/report"
)

var log = logrus.WithField("component", "Cgovd")

// Daemon is one governor with its reporter.
type Daemon struct {
	Governor *governor.Governor
	reporter report.Reporter
}

func NewDaemon(cfg *Config, dial governor.Dialer) (*Daemon, error) {
	nodes, err := governor.ParseNodes(cfg.Governor.Nodes, cfg.Governor.NodePort)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, governor.ErrNoNodes
	}

	reporter, err := report.New(cfg.Report)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		Governor: governor.New(cfg.Governor.Config, nodes, dial, reporter),
		reporter: reporter,
	}
	log.Infof("Governing %d node(s)", len(nodes))
	return d, nil
}

// Once runs a single cycle.
func (d *Daemon) Once(ctx context.Context) error {
	return d.Governor.RunCycle(ctx)
}

// Run blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) {
	d.Governor.Run(ctx)
}

// Close drops node connections and flushes the reporter.
func (d *Daemon) Close() error {
	d.Governor.Close()
	if d.reporter == nil {
		return nil
	}
	if err := d.reporter.Close(); err != nil {
		return errors.Join(errors.New("failed to flush the reporter"), err)
	}
	return nil
}
