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
	"context"
	"errors"
	"sort"

	"CranePower/internal/util"
)

var errNotReached = errors.New("node not reached")

type capChange struct {
	node  Node
	from  uint32
	limit uint32
}

// applyCaps sends every change concurrently and returns one error slot per
// change.
func (g *Governor) applyCaps(ctx context.Context, changes []capChange) []error {
	errs := make([]error, len(changes))
	if len(changes) == 0 {
		return errs
	}
	nodes := make([]Node, len(changes))
	for i := range changes {
		nodes[i] = changes[i].node
		errs[i] = errNotReached
	}
	g.forEach(ctx, nodes, func(ctx context.Context, i int, n Node, c NodeClient) {
		_, err := c.SetPowercap(ctx, changes[i].limit)
		if err != nil {
			util.GrpcErrorPrintf(err, "Failed to set %d W on node %s", changes[i].limit, n.ID)
		}
		errs[i] = err
	})
	return errs
}

// Reallocate moves power from releasing nodes to greedy ones. Reclaimed
// power plus the budget not yet handed out is granted by decreasing
// stress, never pushing the sum of caps over the budget. It returns the
// watts granted.
func (g *Governor) Reallocate(ctx context.Context, status *ClusterStatus, nodes []NodeStatus) uint32 {
	byID := make(map[string]*NodeStatus, len(nodes))
	for i := range nodes {
		byID[nodes[i].NodeID] = &nodes[i]
	}

	var reclaims []capChange
	for i := range nodes {
		r := nodes[i].Reply
		if r.Status != "RELEASE" || r.Released == 0 {
			continue
		}
		limit := r.PowercapIdle
		if r.CurrentPC > r.Released && r.CurrentPC-r.Released > limit {
			limit = r.CurrentPC - r.Released
		}
		if limit >= r.CurrentPC {
			continue
		}
		reclaims = append(reclaims, capChange{
			node:  Node{ID: nodes[i].NodeID, Addr: nodes[i].Addr},
			from:  r.CurrentPC,
			limit: limit,
		})
	}

	// only what was actually taken back can be handed out
	var reclaimed uint64
	for i, err := range g.applyCaps(ctx, reclaims) {
		if err == nil {
			reclaimed += uint64(reclaims[i].from - reclaims[i].limit)
		}
	}

	var available uint64
	committed := status.TotalCap - reclaimed
	if committed < uint64(g.cfg.PowerBudget) {
		available = uint64(g.cfg.PowerBudget) - committed
	}
	if available == 0 || len(status.Greedy) == 0 {
		return 0
	}

	order := make([]int, len(status.Greedy))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return status.Greedy[order[a]].Stress > status.Greedy[order[b]].Stress
	})

	var grants []capChange
	var slots []int
	for _, gi := range order {
		if available == 0 {
			break
		}
		gn := &status.Greedy[gi]
		n := byID[gn.NodeID]
		if n == nil || !gn.Requested {
			continue
		}
		r := n.Reply
		want := uint64(gn.RequestedPower)
		if r.MaxNodePower > 0 {
			if r.CurrentPC >= r.MaxNodePower {
				continue
			}
			want = min(want, uint64(r.MaxNodePower-r.CurrentPC))
		}
		grant := min(want, available)
		if grant == 0 {
			continue
		}
		available -= grant
		grants = append(grants, capChange{
			node:  Node{ID: n.NodeID, Addr: n.Addr},
			from:  r.CurrentPC,
			limit: r.CurrentPC + uint32(grant),
		})
		slots = append(slots, gi)
	}

	var granted uint32
	for i, err := range g.applyCaps(ctx, grants) {
		if err != nil {
			continue
		}
		w := grants[i].limit - grants[i].from
		granted += w
		status.Greedy[slots[i]].ExtraPower += w
	}

	if granted > 0 || reclaimed > 0 {
		log.Infof("Reclaimed %d W, granted %d W to greedy node(s)", reclaimed, granted)
	}
	return granted
}
