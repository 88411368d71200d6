package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CranePower/internal/rpc"
)

type fakeNode struct {
	mu     sync.Mutex
	reply  rpc.StatusReply
	hang   bool
	down   bool
	setErr error
	caps   []uint32
	risks  []uint32
}

func (f *fakeNode) Status(ctx context.Context) (*rpc.StatusReply, error) {
	f.mu.Lock()
	hang, down := f.hang, f.down
	reply := f.reply
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if down {
		return nil, errors.New("connection refused")
	}
	return &reply, nil
}

func (f *fakeNode) SetPowercap(_ context.Context, limit uint32) (*rpc.SetPowercapReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return nil, f.setErr
	}
	f.caps = append(f.caps, limit)
	f.reply.CurrentPC = limit
	return &rpc.SetPowercapReply{Applied: limit}, nil
}

func (f *fakeNode) SetRisk(_ context.Context, risk uint32, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.risks = append(f.risks, risk)
	return nil
}

func (f *fakeNode) Caps() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.caps...)
}

func (f *fakeNode) Risks() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.risks...)
}

type fakeReporter struct {
	calls  int
	status ClusterStatus
	nodes  []NodeStatus
}

func (r *fakeReporter) Report(_ context.Context, status *ClusterStatus, nodes []NodeStatus) error {
	r.calls++
	r.status = *status
	r.nodes = nodes
	return nil
}

func testConfig() Config {
	return Config{
		NodePort:          "10020",
		PowerBudget:       1000,
		Warning1:          80,
		Warning2:          85,
		Panic:             95,
		PollInterval:      time.Second,
		NodeTimeout:       100 * time.Millisecond,
		VictimOrder:       IdleLast,
		ReductionFraction: 0.03,
	}
}

// newCluster wires fakes by node id. Unknown addresses fail to dial.
func newCluster(cfg Config, fakes map[string]*fakeNode, ids ...string) (*Governor, *fakeReporter) {
	var nodes []Node
	for _, id := range ids {
		nodes = append(nodes, Node{ID: id, Addr: id + ":" + cfg.NodePort})
	}
	dial := func(addr string) (NodeClient, error) {
		for _, id := range ids {
			if addr == id+":"+cfg.NodePort {
				if f, ok := fakes[id]; ok {
					return f, nil
				}
			}
		}
		return nil, fmt.Errorf("no route to %s", addr)
	}
	rep := &fakeReporter{}
	return New(cfg, nodes, dial, rep), rep
}

func busyNode(power float64, avg uint64, cap, idle uint32) *fakeNode {
	return &fakeNode{reply: rpc.StatusReply{
		Status:       "OK",
		Power:        power,
		AvgFreq:      avg,
		MaxFreq:      2400000,
		PstateStep:   100000,
		CurrentPC:    cap,
		DefPowercap:  cap,
		PowercapIdle: idle,
	}}
}

func TestDistPstate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(10), DistPstate(1400000, 2400000, 100000))
	assert.Equal(t, uint32(10), DistPstate(1420000, 2400000, 100000))
	assert.Equal(t, uint32(0), DistPstate(2400000, 2400000, 100000))
	assert.Equal(t, uint32(0), DistPstate(2600000, 2400000, 100000))
	assert.Equal(t, uint32(0), DistPstate(1400000, 2400000, 0))
}

func TestPowerRed(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 20.0, PowerRed(100, 5, 1, 0.1), 1e-9)
	assert.InDelta(t, 30.0, PowerRed(100, 1, 1, 0.1), 1e-9)
	assert.InDelta(t, PowerRed(100, 5, 1, 0.1), PowerRed(100, 5, 0, 0.1), 1e-9)
	assert.Greater(t, PowerRed(100, 5, 2, 0.1), PowerRed(100, 5, 10, 0.1))
}

func TestSortByVictimPriority(t *testing.T) {
	t.Parallel()

	mk := func() []NodeStatus {
		return []NodeStatus{
			{NodeID: "idle", Idle: true, DistPstate: 0},
			{NodeID: "far", DistPstate: 10},
			{NodeID: "near", DistPstate: 2},
			{NodeID: "near2", DistPstate: 2},
		}
	}
	ids := func(nodes []NodeStatus) []string {
		var out []string
		for _, n := range nodes {
			out = append(out, n.NodeID)
		}
		return out
	}

	nodes := mk()
	SortByVictimPriority(nodes, IdleLast)
	assert.Equal(t, []string{"near", "near2", "far", "idle"}, ids(nodes))

	nodes = mk()
	SortByVictimPriority(nodes, IdleFirst)
	assert.Equal(t, []string{"idle", "near", "near2", "far"}, ids(nodes))
}

func TestSelectVictims(t *testing.T) {
	t.Parallel()

	nodes := []NodeStatus{{PowerRed: 10}, {PowerRed: 20}, {PowerRed: 30}}
	got := SelectVictims(nodes, 25)
	assert.InDelta(t, 30.0, got, 1e-9)
	assert.True(t, nodes[0].Victim)
	assert.True(t, nodes[1].Victim)
	assert.False(t, nodes[2].Victim)

	// out of reach: everybody is a victim and the sum falls short
	nodes = []NodeStatus{{PowerRed: 10}, {PowerRed: 20}}
	got = SelectVictims(nodes, 1000)
	assert.InDelta(t, 30.0, got, 1e-9)
	assert.True(t, nodes[0].Victim && nodes[1].Victim)

	nodes = []NodeStatus{{PowerRed: 10}}
	assert.Zero(t, SelectVictims(nodes, 0))
	assert.False(t, nodes[0].Victim)
}

func TestSelectVictimsMonotone(t *testing.T) {
	t.Parallel()

	base := []NodeStatus{{PowerRed: 5}, {PowerRed: 7}, {PowerRed: 11}, {PowerRed: 13}}
	prevCount, prevSum := 0, 0.0
	for target := 0.0; target <= 50; target += 2.5 {
		nodes := append([]NodeStatus(nil), base...)
		sum := SelectVictims(nodes, target)
		count := 0
		for _, n := range nodes {
			if n.Victim {
				count++
			}
		}
		assert.LessOrEqual(t, count, len(nodes))
		assert.GreaterOrEqual(t, count, prevCount)
		assert.GreaterOrEqual(t, sum, prevSum)
		prevCount, prevSum = count, sum
	}
}

func TestMaskFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Risk(0), MaskFor(LevelNone))
	assert.Equal(t, Risk(1), MaskFor(LevelWarning1))
	assert.Equal(t, Risk(3), MaskFor(LevelWarning2))
	assert.Equal(t, Risk(7), MaskFor(LevelPanic))

	levels := []Level{LevelNone, LevelWarning1, LevelWarning2, LevelPanic}
	for i := 1; i < len(levels); i++ {
		lower, higher := MaskFor(levels[i-1]), MaskFor(levels[i])
		assert.Equal(t, lower, higher&lower, "%s must include %s", higher, lower)
	}
	assert.Equal(t, "WARNING1|WARNING2", MaskFor(LevelWarning2).String())
	assert.Equal(t, "NONE", Risk(0).String())

	// budget 1000 W, thresholds 80/85/95
	g := New(testConfig(), nil, nil, nil)
	assert.Equal(t, Risk(0), g.RiskFor(799))
	assert.Equal(t, Risk(1), g.RiskFor(800))
	assert.Equal(t, Risk(3), g.RiskFor(900))
	assert.Equal(t, Risk(7), g.RiskFor(1200))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	broken := map[string]func(c *Config){
		"budget":    func(c *Config) { c.PowerBudget = 0 },
		"order":     func(c *Config) { c.Warning2 = 70 },
		"zero w1":   func(c *Config) { c.Warning1 = 0 },
		"interval":  func(c *Config) { c.PollInterval = 0 },
		"timeout":   func(c *Config) { c.NodeTimeout = -time.Second },
		"victims":   func(c *Config) { c.VictimOrder = "Random" },
		"fraction":  func(c *Config) { c.ReductionFraction = 1.5 },
		"fraction0": func(c *Config) { c.ReductionFraction = 0 },
	}
	for name, mutate := range broken {
		c := testConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestParseNodes(t *testing.T) {
	t.Parallel()

	nodes, err := ParseNodes([]string{"cn[01-03]", "cn02,gpu1"}, "10020")
	require.NoError(t, err)
	require.Len(t, nodes, 4)
	assert.Equal(t, Node{ID: "cn01", Addr: "cn01:10020"}, nodes[0])
	assert.Equal(t, "gpu1", nodes[3].ID)

	_, err = ParseNodes([]string{"cn]01"}, "10020")
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	nodes := []NodeStatus{
		{NodeID: "a", Idle: true, Reply: &rpc.StatusReply{Status: "OK", Power: 100, CurrentPC: 200}},
		{NodeID: "b", Reply: &rpc.StatusReply{Status: "RELEASE", Power: 150, CurrentPC: 300, Released: 40}},
		{NodeID: "c", Reply: &rpc.StatusReply{Status: "GREEDY", Power: 250, CurrentPC: 320, DefPowercap: 300, Requested: 60, Stress: 3}},
		{NodeID: "d", Reply: &rpc.StatusReply{Status: "GREEDY", Power: 280, CurrentPC: 300, DefPowercap: 300}},
	}
	cs := Aggregate(nodes)

	assert.Equal(t, 4, cs.TotalNodes)
	assert.Equal(t, 1, cs.IdleNodes)
	assert.Equal(t, uint32(40), cs.Released)
	assert.Equal(t, uint32(60), cs.Requested)
	assert.InDelta(t, 780.0, cs.CurrentPower, 1e-9)
	assert.Equal(t, uint64(1120), cs.TotalCap)
	require.Len(t, cs.Greedy, 2)
	assert.Equal(t, 2, cap(cs.Greedy))
	assert.Equal(t, GreedyNode{NodeID: "c", Requested: true, Stress: 3, ExtraPower: 20, RequestedPower: 60}, cs.Greedy[0])
	assert.False(t, cs.Greedy[1].Requested)
}

func TestPollMajority(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeNode{
		"cn01": busyNode(100, 2400000, 200, 100),
		"cn02": busyNode(100, 2400000, 200, 100),
		"cn03": {hang: true},
	}
	g, _ := newCluster(testConfig(), fakes, "cn01", "cn02", "cn03")

	start := time.Now()
	nodes, err := g.PollClusterStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Less(t, time.Since(start), 2*time.Second)

	fakes["cn02"].mu.Lock()
	fakes["cn02"].down = true
	fakes["cn02"].mu.Unlock()
	_, err = g.PollClusterStatus(context.Background())
	assert.ErrorIs(t, err, ErrNoMajority)
}

func TestPollUnreachableAndEmpty(t *testing.T) {
	t.Parallel()

	g, _ := newCluster(testConfig(), map[string]*fakeNode{}, "cn01", "cn02")
	_, err := g.PollClusterStatus(context.Background())
	assert.ErrorIs(t, err, ErrNoMajority)

	g, _ = newCluster(testConfig(), nil)
	_, err = g.PollClusterStatus(context.Background())
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestRunCycleThrottlesVictims(t *testing.T) {
	t.Parallel()

	cn03 := busyNode(150, 1000000, 200, 198)
	cn03.reply.Idle = true
	fakes := map[string]*fakeNode{
		"cn01": busyNode(390, 2400000, 450, 100),
		"cn02": busyNode(360, 1400000, 400, 100),
		"cn03": cn03,
	}
	g, rep := newCluster(testConfig(), fakes, "cn01", "cn02", "cn03")
	ctx := context.Background()

	// 900 W of 1000 W is above Warning2
	require.NoError(t, g.RunCycle(ctx))
	assert.Equal(t, MaskFor(LevelWarning2), g.LastRiskSent())

	assert.Equal(t, []uint32{435}, fakes["cn01"].Caps())
	assert.Equal(t, []uint32{386}, fakes["cn02"].Caps())
	// idle cap is the floor
	assert.Equal(t, []uint32{198}, fakes["cn03"].Caps())
	for id, f := range fakes {
		assert.Equal(t, []uint32{3}, f.Risks(), id)
	}

	require.Equal(t, 1, rep.calls)
	assert.InDelta(t, 900.0, rep.status.CurrentPower, 1e-9)
	assert.Equal(t, MaskFor(LevelWarning2), rep.status.Risk)
	assert.Len(t, rep.nodes, 3)
	require.NotNil(t, g.LastStatus())
	assert.Equal(t, 3, g.LastStatus().TotalNodes)

	// same risk, no second broadcast
	require.NoError(t, g.RunCycle(ctx))
	assert.Len(t, fakes["cn01"].Risks(), 1)

	// load drops, the cleared mask goes out once
	for _, f := range fakes {
		f.mu.Lock()
		f.reply.Power = 100
		f.mu.Unlock()
	}
	require.NoError(t, g.RunCycle(ctx))
	assert.Equal(t, Risk(0), g.LastRiskSent())
	assert.Equal(t, []uint32{3, 0}, fakes["cn02"].Risks())
	assert.Equal(t, 3, rep.calls)
}

func TestFailedPollKeepsRisk(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeNode{
		"cn01": busyNode(100, 2400000, 200, 100),
		"cn02": busyNode(100, 2400000, 200, 100),
		"cn03": busyNode(100, 2400000, 200, 100),
	}
	g, rep := newCluster(testConfig(), fakes, "cn01", "cn02", "cn03")
	ctx := context.Background()

	assert.Equal(t, MaskFor(LevelPanic), g.EscalateRisk(ctx, LevelPanic))
	for _, id := range []string{"cn01", "cn02"} {
		fakes[id].mu.Lock()
		fakes[id].down = true
		fakes[id].mu.Unlock()
	}

	err := g.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrNoMajority)
	assert.Equal(t, MaskFor(LevelPanic), g.LastRiskSent())
	assert.Zero(t, rep.calls)
	assert.Nil(t, g.LastStatus())
	assert.Empty(t, fakes["cn03"].Caps())
}

func reallocCluster(budget uint32) (*Governor, map[string]*fakeNode) {
	fakes := map[string]*fakeNode{
		"r1": {reply: rpc.StatusReply{Status: "RELEASE", CurrentPC: 300, DefPowercap: 300, Released: 100, PowercapIdle: 150}},
		"g1": {reply: rpc.StatusReply{Status: "GREEDY", CurrentPC: 300, DefPowercap: 300, Requested: 150, Stress: 2, MaxNodePower: 500}},
		"g2": {reply: rpc.StatusReply{Status: "GREEDY", CurrentPC: 300, DefPowercap: 300, Requested: 80, Stress: 5, MaxNodePower: 350}},
	}
	cfg := testConfig()
	cfg.PowerBudget = budget
	g, _ := newCluster(cfg, fakes, "r1", "g1", "g2")
	return g, fakes
}

func pollAndAggregate(t *testing.T, g *Governor) (ClusterStatus, []NodeStatus) {
	t.Helper()
	nodes, err := g.PollClusterStatus(context.Background())
	require.NoError(t, err)
	return Aggregate(nodes), nodes
}

func TestReallocateByStress(t *testing.T) {
	t.Parallel()

	g, fakes := reallocCluster(1000)
	status, nodes := pollAndAggregate(t, g)

	granted := g.Reallocate(context.Background(), &status, nodes)
	assert.Equal(t, uint32(200), granted)
	assert.Equal(t, []uint32{200}, fakes["r1"].Caps())
	// g2 is the most stressed but its max node power stops it at 350
	assert.Equal(t, []uint32{350}, fakes["g2"].Caps())
	assert.Equal(t, []uint32{450}, fakes["g1"].Caps())

	var total uint32
	for _, f := range fakes {
		total += f.reply.CurrentPC
	}
	assert.LessOrEqual(t, total, uint32(1000))

	extra := map[string]uint32{}
	for _, gn := range status.Greedy {
		extra[gn.NodeID] = gn.ExtraPower
	}
	assert.Equal(t, map[string]uint32{"g1": 150, "g2": 50}, extra)
}

func TestReallocateTightBudget(t *testing.T) {
	t.Parallel()

	g, fakes := reallocCluster(850)
	status, nodes := pollAndAggregate(t, g)

	granted := g.Reallocate(context.Background(), &status, nodes)
	assert.Equal(t, uint32(50), granted)
	assert.Equal(t, []uint32{350}, fakes["g2"].Caps())
	assert.Empty(t, fakes["g1"].Caps())
}

func TestReallocateFailedReclaim(t *testing.T) {
	t.Parallel()

	g, fakes := reallocCluster(1000)
	fakes["r1"].setErr = errors.New("backend rejected limit")
	status, nodes := pollAndAggregate(t, g)

	// only the unallocated 100 W can be handed out
	granted := g.Reallocate(context.Background(), &status, nodes)
	assert.Equal(t, uint32(100), granted)
	assert.Equal(t, []uint32{350}, fakes["g2"].Caps())
	assert.Equal(t, []uint32{350}, fakes["g1"].Caps())
}
