package cpower

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"CranePower/internal/cgovd"
	"CranePower/internal/governor"
	"CranePower/internal/report"
	"CranePower/internal/rpc"
	"CranePower/internal/util"
)

type mockNode struct {
	mock.Mock
}

func (m *mockNode) Status(ctx context.Context) (*rpc.StatusReply, error) {
	args := m.Called(ctx)
	return args.Get(0).(*rpc.StatusReply), args.Error(1)
}

func (m *mockNode) SetPowercap(ctx context.Context, limit uint32) (*rpc.SetPowercapReply, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(*rpc.SetPowercapReply), args.Error(1)
}

func (m *mockNode) SetRisk(ctx context.Context, risk uint32, limit uint32) error {
	return m.Called(ctx, risk, limit).Error(0)
}

func (m *mockNode) NewJob(ctx context.Context, req *rpc.JobRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockNode) EndJob(ctx context.Context, req *rpc.JobRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockNode) ReportSignature(ctx context.Context, req *rpc.SignatureRequest) (*rpc.SignatureReply, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(*rpc.SignatureReply), args.Error(1)
}

func sampleReply() *rpc.StatusReply {
	return &rpc.StatusReply{
		NodeID: "cn01", Backend: "rapl", Status: "GREEDY", Jobs: 2, Risk: 1,
		CurrentPC: 300, LastT1Allocated: 300, DefPowercap: 280, PowercapIdle: 140, MaxNodePower: 400,
		Requested: 15, RequestedPower: 315, PperDomain: [4]uint32{280, 168, 56, 0}, Stress: 8,
		Power: 296.4, AvgFreq: 2200000, MaxFreq: 2400000, PstateStep: 100000,
		RequestedFreq: 2400000, EffectiveFreq: 2200000,
		Policies: []rpc.Policy{{Name: "min_energy", Freq: 2400000, Threshold: 0.05}},
	}
}

func craneCode(t *testing.T, err error) int {
	t.Helper()
	var ce *util.CraneError
	require.True(t, errors.As(err, &ce), "got %v", err)
	return ce.Code
}

func TestNodeTarget(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unix://"+util.DefaultCpowerdSocketPath, NodeTarget(""))
	assert.Equal(t, "unix:///tmp/cpowerd.sock", NodeTarget("unix:///tmp/cpowerd.sock"))
	assert.Equal(t, "cn01:"+util.DefaultCpowerdListenPort, NodeTarget("cn01"))
	assert.Equal(t, "cn01:7000", NodeTarget("cn01:7000"))
}

func TestParseRisk(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]governor.Risk{"none": 0, "w1": 1, "WARNING2": 3, "panic": 7, "3": 3, "0": 0} {
		got, err := ParseRisk(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"2", "5", "loud", "-1"} {
		_, err := ParseRisk(in)
		assert.Error(t, err, in)
	}
}

func TestQueryStatusTable(t *testing.T) {
	t.Parallel()

	node := new(mockNode)
	node.On("Status", mock.Anything).Return(sampleReply(), nil)

	var out bytes.Buffer
	require.NoError(t, QueryStatus(context.Background(), node, NewPrinter(&out, false), false))
	node.AssertExpectations(t)

	text := out.String()
	assert.Contains(t, text, "cn01")
	assert.Contains(t, text, "GREEDY")
	assert.Contains(t, text, "WARNING1")
	assert.Contains(t, text, "cpu 168, dram 56, gpu 0")
	assert.Contains(t, text, "min_energy")
	assert.NotContains(t, text, "\x1b[")
}

func TestQueryStatusJSON(t *testing.T) {
	t.Parallel()

	node := new(mockNode)
	node.On("Status", mock.Anything).Return(sampleReply(), nil)

	var out bytes.Buffer
	require.NoError(t, QueryStatus(context.Background(), node, NewPrinter(&out, true), true))

	doc := out.String()
	require.True(t, gjson.Valid(doc))
	assert.Equal(t, "cn01", gjson.Get(doc, "node").String())
	assert.Equal(t, int64(300), gjson.Get(doc, "power.cap_w").Int())
	assert.Equal(t, int64(168), gjson.Get(doc, "power.domains.cpu_w").Int())
	assert.Equal(t, "WARNING1", gjson.Get(doc, "risk.name").String())
	assert.Equal(t, int64(2200000), gjson.Get(doc, "freq.effective_khz").Int())
	assert.Equal(t, "min_energy", gjson.Get(doc, "policies.0.name").String())
	assert.InDelta(t, 0.05, gjson.Get(doc, "policies.0.threshold").Float(), 1e-9)
}

func TestQueryStatusUnreachable(t *testing.T) {
	t.Parallel()

	node := new(mockNode)
	node.On("Status", mock.Anything).Return((*rpc.StatusReply)(nil), status.Error(codes.Unavailable, "connection refused"))

	err := QueryStatus(context.Background(), node, NewPrinter(new(bytes.Buffer), true), false)
	assert.Equal(t, util.ErrorNetwork, craneCode(t, err))
	assert.Contains(t, err.Error(), "Connection to node daemon is broken")
}

func TestSetPowercap(t *testing.T) {
	t.Parallel()

	node := new(mockNode)
	node.On("SetPowercap", mock.Anything, uint32(350)).Return(&rpc.SetPowercapReply{Applied: 350}, nil)
	node.On("SetPowercap", mock.Anything, uint32(500)).Return(&rpc.SetPowercapReply{Applied: 400}, nil)
	node.On("SetPowercap", mock.Anything, uint32(100)).
		Return((*rpc.SetPowercapReply)(nil), status.Error(codes.FailedPrecondition, "power limit register locked"))

	var out bytes.Buffer
	ctx := context.Background()
	require.NoError(t, SetPowercap(ctx, node, &out, 350))
	assert.Equal(t, "Power cap set to 350 W.\n", out.String())

	out.Reset()
	require.NoError(t, SetPowercap(ctx, node, &out, 500))
	assert.Contains(t, out.String(), "clamped")

	err := SetPowercap(ctx, node, &out, 100)
	assert.Equal(t, util.ErrorNetwork, craneCode(t, err))
	assert.Contains(t, err.Error(), "register locked")

	err = SetPowercap(ctx, node, &out, 0)
	assert.Equal(t, util.ErrorCmdArg, craneCode(t, err))
	node.AssertNumberOfCalls(t, "SetPowercap", 3)
}

func TestSetRiskJobAndSignature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := &rpc.JobRequest{JobID: 42, User: "alice", Policy: "min_energy"}
	sig := &rpc.SignatureRequest{JobID: 42, Time: 1.5, CPI: 0.8, DefF: 2400000}

	node := new(mockNode)
	node.On("SetRisk", mock.Anything, uint32(3), uint32(250)).Return(nil)
	node.On("NewJob", mock.Anything, start).Return(nil)
	node.On("EndJob", mock.Anything, start).Return(status.Error(codes.Internal, "hook failed"))
	node.On("ReportSignature", mock.Anything, sig).Return(&rpc.SignatureReply{Freq: 2200000, Status: "OK"}, nil)

	var out bytes.Buffer
	require.NoError(t, SetRisk(ctx, node, &out, governor.MaskFor(governor.LevelWarning2), 250))
	assert.Contains(t, out.String(), "WARNING1|WARNING2 with a 250 W cap")

	require.NoError(t, NotifyJob(ctx, node, start, true))
	err := NotifyJob(ctx, node, start, false)
	assert.Equal(t, util.ErrorNetwork, craneCode(t, err))

	out.Reset()
	require.NoError(t, SendSignature(ctx, node, &out, sig))
	assert.Equal(t, "Run at 2200000 kHz (node OK).\n", out.String())
	node.AssertExpectations(t)
}

func clusterConfig() *cgovd.Config {
	cfg := &cgovd.Config{}
	cfg.Governor.Config = governor.Config{
		Nodes:             []string{"cn[01-03]"},
		NodePort:          "10090",
		PowerBudget:       1000,
		Warning1:          80,
		Warning2:          90,
		Panic:             95,
		PollInterval:      time.Second,
		NodeTimeout:       time.Second,
		VictimOrder:       governor.IdleLast,
		ReductionFraction: 0.05,
	}
	return cfg
}

func clusterDialer(t *testing.T) governor.Dialer {
	replies := map[string]*rpc.StatusReply{
		"cn01:10090": {Status: "GREEDY", Power: 390, CurrentPC: 400, DefPowercap: 350, Requested: 20, Stress: 4,
			AvgFreq: 2200000, MaxFreq: 2400000, PstateStep: 100000, Jobs: 1},
		"cn02:10090": {Status: "RELEASE", Power: 250, CurrentPC: 350, DefPowercap: 350, Released: 80, Jobs: 1},
		"cn03:10090": {Status: "OK", Idle: true, Power: 190, CurrentPC: 200, DefPowercap: 350},
	}
	return func(addr string) (governor.NodeClient, error) {
		reply, ok := replies[addr]
		if !ok {
			return nil, fmt.Errorf("unknown node %s", addr)
		}
		node := new(mockNode)
		node.On("Status", mock.Anything).Return(reply, nil)
		t.Cleanup(func() { node.AssertNotCalled(t, "SetPowercap", mock.Anything, mock.Anything) })
		return node, nil
	}
}

func TestQueryCluster(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var out bytes.Buffer
	require.NoError(t, QueryCluster(ctx, clusterConfig(), clusterDialer(t), NewPrinter(&out, false), false, false))
	text := out.String()
	assert.Contains(t, text, "cn02")
	assert.Contains(t, text, "3 node(s), 1 idle, 830.0 W drawn, 950 W capped, 80 W released, 20 W requested")

	out.Reset()
	require.NoError(t, QueryCluster(ctx, clusterConfig(), clusterDialer(t), NewPrinter(&out, false), false, true))
	text = out.String()
	assert.Contains(t, text, "Cluster 830.0 W / 1000 W budget, risk WARNING1")
	assert.Contains(t, text, "cn01 390.0 W, cap 400 W, wants 20 W, stress 4%")
	assert.Contains(t, text, "cn02 250.0 W, cap 350 W, releases 80 W")
	assert.Contains(t, text, "cn03 190.0 W, cap 200 W, idle")

	out.Reset()
	require.NoError(t, QueryCluster(ctx, clusterConfig(), clusterDialer(t), NewPrinter(&out, false), true, false))
	doc := out.String()
	assert.Equal(t, int64(3), gjson.Get(doc, "total_nodes").Int())
	assert.Equal(t, "WARNING1", gjson.Get(doc, "risk").String())
	assert.Equal(t, int64(2), gjson.Get(doc, "nodes.#(node==\"cn01\").dist_pstate").Int())
}

func TestQueryClusterWithoutMajority(t *testing.T) {
	t.Parallel()

	cfg := clusterConfig()
	cfg.Governor.Nodes = []string{"cn01", "cn[10-12]"}
	err := QueryCluster(context.Background(), cfg, clusterDialer(t), NewPrinter(new(bytes.Buffer), false), false, false)
	assert.Equal(t, util.ErrorNetwork, craneCode(t, err))
}

func TestQueryHistory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "power.db")
	r, err := report.New(report.Config{Type: report.TypeSQLite, BatchSize: 1, SQLite: &report.SQLiteConfig{Path: path}})
	require.NoError(t, err)
	status := &governor.ClusterStatus{TotalNodes: 2, CurrentPower: 720, TotalCap: 800, Risk: 1}
	nodes := []governor.NodeStatus{
		{NodeID: "cn01", Victim: true, Reply: &rpc.StatusReply{Status: "GREEDY", Power: 400, CurrentPC: 420}},
		{NodeID: "cn02", Idle: true, Reply: &rpc.StatusReply{Status: "OK", Power: 320, CurrentPC: 380}},
	}
	require.NoError(t, r.Report(context.Background(), status, nodes))
	require.NoError(t, r.Close())

	var out bytes.Buffer
	cfg := &report.SQLiteConfig{Path: path}
	require.NoError(t, QueryHistory(cfg, NewPrinter(&out, false), "", 10, false))
	assert.Contains(t, out.String(), "720.0")
	assert.Contains(t, out.String(), "WARNING1")

	out.Reset()
	require.NoError(t, QueryHistory(cfg, NewPrinter(&out, false), "cn01", 10, false))
	assert.Contains(t, out.String(), "cn01")
	assert.NotContains(t, out.String(), "cn02")

	err = QueryHistory(&report.SQLiteConfig{Path: filepath.Join(t.TempDir(), "none.db")}, NewPrinter(&out, false), "", 10, false)
	assert.Equal(t, util.ErrorCmdArg, craneCode(t, err))
}

func TestPrinterColor(t *testing.T) {
	t.Parallel()

	p := &Printer{w: new(bytes.Buffer), color: true}
	assert.Contains(t, p.status("OK"), "\x1b[")
	assert.Equal(t, "UNKNOWN", p.status("UNKNOWN"))
	assert.Contains(t, p.risk(governor.RiskWarning1|governor.RiskWarning2|governor.RiskPanic), "PANIC")

	p.color = false
	assert.Equal(t, "GREEDY", p.status("GREEDY"))
}
