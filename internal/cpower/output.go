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
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/tidwall/sjson"
	"github.com/xlab/treeprint"
	"golang.org/x/term"

	"CranePower/api"
	"CranePower/internal/governor"
	"CranePower/internal/report"
	"CranePower/internal/rpc"
	"CranePower/internal/util"
)

// Printer renders command results. Colour is only used on a terminal.
type Printer struct {
	w     io.Writer
	color bool
}

func NewPrinter(w io.Writer, noColor bool) *Printer {
	p := &Printer{w: w}
	if f, ok := w.(*os.File); ok && !noColor {
		p.color = term.IsTerminal(int(f.Fd()))
	}
	return p
}

var statusColors = map[string]color.Attribute{
	"OK":      color.FgGreen,
	"GREEDY":  color.FgYellow,
	"RELEASE": color.FgCyan,
	"ERROR":   color.FgRed,
}

func (p *Printer) status(s string) string {
	attr, ok := statusColors[s]
	if !ok {
		return s
	}
	c := color.New(attr, color.Bold)
	if p.color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

func (p *Printer) risk(r governor.Risk) string {
	c := color.New(color.FgGreen)
	switch {
	case r&governor.RiskPanic != 0:
		c = color.New(color.FgRed, color.Bold)
	case r != 0:
		c = color.New(color.FgYellow)
	}
	if p.color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(r.String())
}

func (p *Printer) table() *tablewriter.Table {
	t := tablewriter.NewWriter(p.w)
	util.SetBorderlessTable(t)
	return t
}

func watts(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

func mhz(khz uint64) string {
	if khz == 0 {
		return "-"
	}
	return strconv.FormatUint(khz/1000, 10)
}

// PrintStatus shows one node as a key/value table.
func (p *Printer) PrintStatus(r *rpc.StatusReply) {
	t := p.table()
	t.AppendBulk([][]string{
		{"Node", r.NodeID},
		{"Backend", r.Backend},
		{"Status", p.status(r.Status)},
		{"Risk", p.risk(governor.Risk(r.Risk))},
		{"Jobs", fmt.Sprintf("%d (idle: %t)", r.Jobs, r.Idle)},
		{"Power(W)", fmt.Sprintf("%.1f", r.Power)},
		{"Cap(W)", fmt.Sprintf("%s (T1 %s, default %s, idle %s, max %s)",
			watts(r.CurrentPC), watts(r.LastT1Allocated), watts(r.DefPowercap),
			watts(r.PowercapIdle), watts(r.MaxNodePower))},
		{"Released(W)", watts(r.Released)},
		{"Requested(W)", fmt.Sprintf("%s (projected %s)", watts(r.Requested), watts(r.RequestedPower))},
		{"Domains(W)", fmt.Sprintf("cpu %s, dram %s, gpu %s",
			watts(r.PperDomain[api.DomainCPU]), watts(r.PperDomain[api.DomainDRAM]), watts(r.PperDomain[api.DomainGPU]))},
		{"Freq(MHz)", fmt.Sprintf("%s (requested %s, effective %s, max %s)",
			mhz(r.AvgFreq), mhz(r.RequestedFreq), mhz(r.EffectiveFreq), mhz(r.MaxFreq))},
		{"Stress(%)", strconv.Itoa(int(r.Stress))},
	})
	t.Render()

	if len(r.Policies) == 0 {
		return
	}
	fmt.Fprintln(p.w)
	pt := p.table()
	pt.SetHeader([]string{"Policy", "Freq(MHz)", "Threshold"})
	for _, pol := range r.Policies {
		pt.Append([]string{pol.Name, mhz(pol.Freq), strconv.FormatFloat(pol.Threshold, 'f', 2, 64)})
	}
	pt.Render()
}

// StatusJSON nests the reply the way operators read it.
func StatusJSON(r *rpc.StatusReply) (string, error) {
	fields := []struct {
		path  string
		value any
	}{
		{"node", r.NodeID},
		{"backend", r.Backend},
		{"status", r.Status},
		{"risk.mask", r.Risk},
		{"risk.name", governor.Risk(r.Risk).String()},
		{"jobs.count", r.Jobs},
		{"jobs.idle", r.Idle},
		{"power.measured_w", r.Power},
		{"power.cap_w", r.CurrentPC},
		{"power.t1_allocated_w", r.LastT1Allocated},
		{"power.default_w", r.DefPowercap},
		{"power.idle_w", r.PowercapIdle},
		{"power.max_w", r.MaxNodePower},
		{"power.released_w", r.Released},
		{"power.requested_w", r.Requested},
		{"power.projected_w", r.RequestedPower},
		{"power.domains.cpu_w", r.PperDomain[api.DomainCPU]},
		{"power.domains.dram_w", r.PperDomain[api.DomainDRAM]},
		{"power.domains.gpu_w", r.PperDomain[api.DomainGPU]},
		{"freq.avg_khz", r.AvgFreq},
		{"freq.max_khz", r.MaxFreq},
		{"freq.step_khz", r.PstateStep},
		{"freq.requested_khz", r.RequestedFreq},
		{"freq.effective_khz", r.EffectiveFreq},
		{"stress", r.Stress},
	}

	out := "{}"
	var err error
	for _, f := range fields {
		if out, err = sjson.Set(out, f.path, f.value); err != nil {
			return "", err
		}
	}
	for i, pol := range r.Policies {
		prefix := "policies." + strconv.Itoa(i)
		if out, err = sjson.Set(out, prefix+".name", pol.Name); err != nil {
			return "", err
		}
		if out, err = sjson.Set(out, prefix+".freq_khz", pol.Freq); err != nil {
			return "", err
		}
		if out, err = sjson.Set(out, prefix+".threshold", pol.Threshold); err != nil {
			return "", err
		}
	}
	return out, nil
}

// ClusterTree groups the polled nodes by what the governor would do with
// them.
func (p *Printer) ClusterTree(cs *governor.ClusterStatus, nodes []governor.NodeStatus, budget uint32) string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("Cluster %.1f W / %d W budget, risk %s",
		cs.CurrentPower, budget, p.risk(cs.Risk)))

	groups := map[string][]governor.NodeStatus{}
	for _, n := range nodes {
		groups[n.Reply.Status] = append(groups[n.Reply.Status], n)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		branch := tree.AddMetaBranch(len(groups[name]), p.status(name))
		for _, n := range groups[name] {
			r := n.Reply
			detail := fmt.Sprintf("%s %.1f W, cap %d W", n.NodeID, r.Power, r.CurrentPC)
			switch name {
			case "RELEASE":
				detail += fmt.Sprintf(", releases %d W", r.Released)
			case "GREEDY":
				detail += fmt.Sprintf(", wants %d W, stress %d%%", r.Requested, r.Stress)
			}
			if n.Idle {
				detail += ", idle"
			}
			branch.AddNode(detail)
		}
	}
	return tree.String()
}

func (p *Printer) PrintCluster(cs *governor.ClusterStatus, nodes []governor.NodeStatus) {
	t := p.table()
	t.SetHeader([]string{"Node", "Status", "Power(W)", "Cap(W)", "Default(W)", "DistPstate", "Idle", "Jobs"})
	for _, n := range nodes {
		r := n.Reply
		t.Append([]string{
			n.NodeID, p.status(r.Status), fmt.Sprintf("%.1f", r.Power), watts(r.CurrentPC),
			watts(r.DefPowercap), strconv.FormatUint(uint64(n.DistPstate), 10),
			strconv.FormatBool(n.Idle), strconv.Itoa(r.Jobs),
		})
	}
	t.Render()
	fmt.Fprintf(p.w, "\n%d node(s), %d idle, %.1f W drawn, %d W capped, %d W released, %d W requested\n",
		cs.TotalNodes, cs.IdleNodes, cs.CurrentPower, cs.TotalCap, cs.Released, cs.Requested)
}

func ClusterJSON(cs *governor.ClusterStatus, nodes []governor.NodeStatus) (string, error) {
	out := "{}"
	var err error
	set := func(path string, v any) {
		if err == nil {
			out, err = sjson.Set(out, path, v)
		}
	}
	set("total_nodes", cs.TotalNodes)
	set("idle_nodes", cs.IdleNodes)
	set("power_w", cs.CurrentPower)
	set("cap_w", cs.TotalCap)
	set("released_w", cs.Released)
	set("requested_w", cs.Requested)
	set("risk", cs.Risk.String())
	for i, n := range nodes {
		prefix := "nodes." + strconv.Itoa(i)
		set(prefix+".node", n.NodeID)
		set(prefix+".status", n.Reply.Status)
		set(prefix+".power_w", n.Reply.Power)
		set(prefix+".cap_w", n.Reply.CurrentPC)
		set(prefix+".dist_pstate", n.DistPstate)
		set(prefix+".idle", n.Idle)
	}
	return out, err
}

func (p *Printer) PrintClusterHistory(rows []report.ClusterRecord) {
	t := p.table()
	t.SetHeader([]string{"Time", "Nodes", "Idle", "Power(W)", "Cap(W)", "Released(W)", "Requested(W)", "Greedy", "Risk"})
	for _, r := range rows {
		t.Append([]string{
			r.Timestamp.Local().Format(time.DateTime), strconv.Itoa(r.TotalNodes), strconv.Itoa(r.IdleNodes),
			fmt.Sprintf("%.1f", r.CurrentPower), strconv.FormatUint(r.TotalCap, 10), watts(r.Released),
			watts(r.Requested), strconv.Itoa(r.GreedyNodes), p.risk(governor.Risk(r.Risk)),
		})
	}
	t.Render()
}

func (p *Printer) PrintNodeHistory(rows []report.NodeRecord) {
	t := p.table()
	t.SetHeader([]string{"Time", "Node", "Status", "Power(W)", "Cap(W)", "DistPstate", "PowerRed(W)", "Idle", "Victim"})
	for _, r := range rows {
		t.Append([]string{
			r.Timestamp.Local().Format(time.DateTime), r.NodeID, p.status(r.Status),
			fmt.Sprintf("%.1f", r.Power), watts(r.CurrentPC), strconv.FormatUint(uint64(r.DistPstate), 10),
			fmt.Sprintf("%.1f", r.PowerRed), strconv.FormatBool(r.Idle), strconv.FormatBool(r.Victim),
		})
	}
	t.Render()
}
