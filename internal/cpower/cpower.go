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

package cpower

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"CranePower/internal/cgovd"
	"CranePower/internal/governor"
	"CranePower/internal/report"
	"CranePower/internal/rpc"
	"CranePower/internal/util"
)

// NodeAPI is the part of the node daemon the CLI talks to.
type NodeAPI interface {
	Status(ctx context.Context) (*rpc.StatusReply, error)
	SetPowercap(ctx context.Context, limit uint32) (*rpc.SetPowercapReply, error)
	SetRisk(ctx context.Context, risk uint32, limit uint32) error
	NewJob(ctx context.Context, req *rpc.JobRequest) error
	EndJob(ctx context.Context, req *rpc.JobRequest) error
	ReportSignature(ctx context.Context, req *rpc.SignatureRequest) (*rpc.SignatureReply, error)
}

func rpcFailed(err error, format string, a ...any) error {
	return util.NewCraneErr(util.ErrorNetwork, util.GrpcErrorSprintf(err, format, a...))
}

func QueryStatus(ctx context.Context, node NodeAPI, p *Printer, asJSON bool) error {
	reply, err := node.Status(ctx)
	if err != nil {
		return rpcFailed(err, "Failed to query node status")
	}
	if asJSON {
		out, err := StatusJSON(reply)
		if err != nil {
			return util.WrapCraneErr(util.ErrorInvalidFormat, "Failed to encode status", err)
		}
		fmt.Fprintln(p.w, out)
		return nil
	}
	p.PrintStatus(reply)
	return nil
}

func SetPowercap(ctx context.Context, node NodeAPI, w io.Writer, limit uint32) error {
	if limit == 0 {
		return util.NewCraneErr(util.ErrorCmdArg, "Invalid argument: the power cap must be positive.")
	}
	reply, err := node.SetPowercap(ctx, limit)
	if err != nil {
		return rpcFailed(err, "Failed to set the power cap")
	}
	if reply.Applied != limit {
		fmt.Fprintf(w, "Power cap set to %d W (%d W requested, clamped to the node range).\n", reply.Applied, limit)
	} else {
		fmt.Fprintf(w, "Power cap set to %d W.\n", reply.Applied)
	}
	return nil
}

func SetRisk(ctx context.Context, node NodeAPI, w io.Writer, risk governor.Risk, limit uint32) error {
	if err := node.SetRisk(ctx, uint32(risk), limit); err != nil {
		return rpcFailed(err, "Failed to set the risk")
	}
	if limit > 0 {
		fmt.Fprintf(w, "Risk set to %s with a %d W cap.\n", risk, limit)
	} else {
		fmt.Fprintf(w, "Risk set to %s.\n", risk)
	}
	return nil
}

// ParseRisk accepts a mask or a level name.
func ParseRisk(s string) (governor.Risk, error) {
	switch s {
	case "none", "NONE":
		return governor.MaskFor(governor.LevelNone), nil
	case "w1", "warning1", "WARNING1":
		return governor.MaskFor(governor.LevelWarning1), nil
	case "w2", "warning2", "WARNING2":
		return governor.MaskFor(governor.LevelWarning2), nil
	case "panic", "PANIC":
		return governor.MaskFor(governor.LevelPanic), nil
	}
	mask, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown risk %q", s)
	}
	r := governor.Risk(mask)
	for _, level := range []governor.Level{governor.LevelNone, governor.LevelWarning1, governor.LevelWarning2, governor.LevelPanic} {
		if governor.MaskFor(level) == r {
			return r, nil
		}
	}
	return 0, fmt.Errorf("risk mask %d is not cumulative", mask)
}

func NotifyJob(ctx context.Context, node NodeAPI, req *rpc.JobRequest, start bool) error {
	if start {
		if err := node.NewJob(ctx, req); err != nil {
			return rpcFailed(err, "Failed to notify job %d start", req.JobID)
		}
		return nil
	}
	if err := node.EndJob(ctx, req); err != nil {
		return rpcFailed(err, "Failed to notify job %d end", req.JobID)
	}
	return nil
}

func SendSignature(ctx context.Context, node NodeAPI, w io.Writer, req *rpc.SignatureRequest) error {
	reply, err := node.ReportSignature(ctx, req)
	if err != nil {
		return rpcFailed(err, "Failed to report the signature")
	}
	fmt.Fprintf(w, "Run at %d kHz (node %s).\n", reply.Freq, reply.Status)
	return nil
}

// QueryCluster polls every node of the governor config once. Nothing is
// throttled or reallocated.
func QueryCluster(ctx context.Context, cfg *cgovd.Config, dial governor.Dialer, p *Printer, asJSON, tree bool) error {
	nodes, err := governor.ParseNodes(cfg.Governor.Nodes, cfg.Governor.NodePort)
	if err != nil {
		return util.WrapCraneErr(util.ErrorCmdArg, "Invalid node list", err)
	}
	g := governor.New(cfg.Governor.Config, nodes, dial, nil)
	defer g.Close()

	statuses, err := g.PollClusterStatus(ctx)
	if err != nil {
		return util.WrapCraneErr(util.ErrorNetwork, "Failed to poll the cluster", err)
	}
	cs := governor.Aggregate(statuses)
	cs.Risk = g.RiskFor(cs.CurrentPower)

	switch {
	case asJSON:
		out, err := ClusterJSON(&cs, statuses)
		if err != nil {
			return util.WrapCraneErr(util.ErrorInvalidFormat, "Failed to encode cluster status", err)
		}
		fmt.Fprintln(p.w, out)
	case tree:
		fmt.Fprintln(p.w, p.ClusterTree(&cs, statuses, cfg.Governor.PowerBudget))
	default:
		p.PrintCluster(&cs, statuses)
	}
	return nil
}

func QueryHistory(cfg *report.SQLiteConfig, p *Printer, node string, limit int, nodes bool) error {
	if _, err := os.Stat(cfg.Path); err != nil {
		return util.WrapCraneErr(util.ErrorCmdArg, "No history database", err)
	}
	db, err := report.NewSQLite(cfg, 1, 0)
	if err != nil {
		return util.WrapCraneErr(util.ErrorGeneric, "Failed to open the history database", err)
	}
	defer db.Close()

	if nodes || node != "" {
		rows, err := db.NodeHistory(node, limit)
		if err != nil {
			return util.WrapCraneErr(util.ErrorGeneric, "Failed to read node history", err)
		}
		p.PrintNodeHistory(rows)
		return nil
	}
	rows, err := db.ClusterHistory(limit)
	if err != nil {
		return util.WrapCraneErr(util.ErrorGeneric, "Failed to read cluster history", err)
	}
	p.PrintClusterHistory(rows)
	return nil
}
