package cpowerd

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"CranePower/api"
	"CranePower/internal/backend"
	"CranePower/internal/cpufreq"
	"CranePower/internal/powercap"
	"CranePower/internal/projection"
	"CranePower/internal/rpc"
	"CranePower/internal/sampler"
	"CranePower/internal/util"
)

var testPstates = projection.Pstates{2400000, 2200000, 2000000, 1800000}

// projected power drops 20 W per pstate, time scales with frequency
const testArea = `{
  "pstates": [2400000, 2200000, 2000000, 1800000],
  "coefficients": [
    {"from": 0, "to": 0, "available": true, "A": 1, "C": 0,   "D": 1},
    {"from": 0, "to": 1, "available": true, "A": 1, "C": -20, "D": 1},
    {"from": 0, "to": 2, "available": true, "A": 1, "C": -40, "D": 1},
    {"from": 0, "to": 3, "available": true, "A": 1, "C": -60, "D": 1}
  ]
}`

type constPower struct {
	mu sync.Mutex
	w  float64
}

func (c *constPower) Name() string { return "const" }

func (c *constPower) Power() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w, nil
}

type constFreq uint64

func (f constFreq) AvgFreq() (uint64, error) { return uint64(f), nil }

type recordingFreq struct {
	mu      sync.Mutex
	applied []uint64
}

func (r *recordingFreq) SetMaxFreq(khz uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, khz)
	return nil
}

func (r *recordingFreq) last() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.applied) == 0 {
		return 0
	}
	return r.applied[len(r.applied)-1]
}

type failingBackend struct {
	*backend.Dummy
}

func (failingBackend) SetPowercapValue(int, api.Domain, uint32, []uint32) error {
	return errors.New("power limit register locked")
}

type testNode struct {
	node  *Node
	power *constPower
	freq  *recordingFreq
}

func newTestNode(t *testing.T, be api.Backend) *testNode {
	t.Helper()

	area, err := projection.ParseArea([]byte(testArea))
	require.NoError(t, err)
	model := projection.NewModel(testPstates.Len(), area)
	engine := powercap.NewEngine(powercap.Config{
		DefPowercap:  170,
		PowercapIdle: 100,
		MaxNodePower: 250,
		ThInc:        5,
		ThRed:        5,
		ThRelease:    10,
		Ratio:        powercap.DomainRatio{CPU: 0.5, DRAM: 0.25},
	}, model, testPstates, be, nil)

	tn := &testNode{power: &constPower{w: 200}, freq: &recordingFreq{}}
	tn.node = NewNode(NodeOptions{
		ID:      "cn01",
		Engine:  engine,
		Model:   model,
		Sampler: sampler.New(tn.power, constFreq(2400000), 1),
		Freq:    tn.freq,
		Policies: []rpc.Policy{
			{Name: "min_energy", Freq: 2400000, Threshold: 0.15},
			{Name: "fixed", Freq: 2000000},
		},
		T1Period: time.Minute,
		MaxAge:   time.Minute,
	})
	return tn
}

func jobEvent(id uint32, policy string) *api.HookContext {
	return api.NewHookContext(context.Background(), &api.JobEvent{JobID: id, Policy: policy}, api.NewJobHook, nil)
}

func TestTickLowersFrequencyToFitCap(t *testing.T) {
	t.Parallel()

	tn := newTestNode(t, backend.NewDummy(api.Settings{}))
	tn.node.Tick(context.Background())

	// 200 W and 180 W do not fit in 170 W, 160 W does
	assert.Equal(t, uint64(2000000), tn.freq.last())
	rec := tn.node.Engine().Snapshot()
	assert.Equal(t, powercap.StatusGreedy, rec.Status)
	assert.Equal(t, uint64(2400000), rec.RequestedFreq)

	st := tn.node.Status()
	assert.Equal(t, "GREEDY", st.Status)
	assert.InDelta(t, 200.0, st.Power, 1e-9)
	assert.Equal(t, uint64(2400000), st.MaxFreq)
	assert.Equal(t, uint64(200000), st.PstateStep)
	assert.True(t, st.Idle)
	assert.Len(t, st.Policies, 2)
}

func TestReportSignatureKeepsCycleResult(t *testing.T) {
	t.Parallel()

	tn := newTestNode(t, backend.NewDummy(api.Settings{}))
	tn.node.Tick(context.Background())
	before := tn.node.Engine().Snapshot()
	require.Equal(t, powercap.StatusGreedy, before.Status)
	require.NotZero(t, before.Requested)

	// 200 W - 60 W fits in 170 W at 1.8 GHz
	reply := tn.node.ReportSignature(&rpc.SignatureRequest{JobID: 7, Time: 10, CPI: 1, Freq: 1800000})
	assert.Equal(t, uint64(1800000), reply.Freq)
	assert.Equal(t, "GREEDY", reply.Status)
	assert.Equal(t, before, tn.node.Engine().Snapshot())
	assert.Equal(t, "GREEDY", tn.node.Status().Status)

	// the request takes effect on the next period
	tn.node.Tick(context.Background())
	assert.Equal(t, uint64(1800000), tn.freq.last())
	assert.Equal(t, uint64(1800000), tn.node.Engine().Snapshot().RequestedFreq)
}

func TestTickReleasesWhenUnderCap(t *testing.T) {
	t.Parallel()

	tn := newTestNode(t, backend.NewDummy(api.Settings{}))
	tn.power.w = 100
	tn.node.Tick(context.Background())

	rec := tn.node.Engine().Snapshot()
	assert.Equal(t, powercap.StatusRelease, rec.Status)
	// keeps max(100*1.05, idle 100) = 105 W
	assert.Equal(t, uint32(65), rec.Released)
	assert.Equal(t, uint64(2400000), tn.freq.last())
}

func TestPolicyFrequency(t *testing.T) {
	t.Parallel()

	tn := newTestNode(t, backend.NewDummy(api.Settings{}))
	sig := &projection.Signature{Time: 10, CPI: 1, AvgF: 2400000}

	// 2.2 GHz costs 9% more time, 2.0 GHz 20%
	p, _ := tn.node.policy("min_energy")
	assert.Equal(t, uint64(2200000), tn.node.policyFreq(p, sig))

	p, _ = tn.node.policy("fixed")
	assert.Equal(t, uint64(2000000), tn.node.policyFreq(p, sig))

	// without an application signature the policy frequency stands
	p, _ = tn.node.policy("min_energy")
	assert.Equal(t, uint64(2400000), tn.node.policyFreq(p, &projection.Signature{AvgF: 2400000}))
}

func TestRequestedFreqSources(t *testing.T) {
	t.Parallel()

	tn := newTestNode(t, backend.NewDummy(api.Settings{}))
	sig := &projection.Signature{Time: 10, CPI: 1, AvgF: 2400000}
	assert.Zero(t, tn.node.requestedFreq(sig))

	tn.node.NewJobHook(jobEvent(7, "min_energy"))
	assert.Equal(t, uint64(2200000), tn.node.requestedFreq(sig))

	tn.node.ReportSignature(&rpc.SignatureRequest{JobID: 7, Time: 10, CPI: 1, Freq: 1800000})
	assert.Equal(t, uint64(1800000), tn.node.requestedFreq(sig))

	// stale application requests fall back to the policy
	tn.node.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, uint64(2200000), tn.node.requestedFreq(sig))

	tn.node.EndJobHook(jobEvent(7, ""))
	assert.Zero(t, tn.node.requestedFreq(sig))
}

func TestTickWithoutPower(t *testing.T) {
	t.Parallel()

	tn := newTestNode(t, backend.NewDummy(api.Settings{}))
	tn.node.sampler = sampler.New(nil, nil, 1)
	tn.node.Tick(context.Background())

	assert.Empty(t, tn.freq.applied)
	assert.Equal(t, powercap.StatusOK, tn.node.Engine().Snapshot().Status)
}

func startDaemon(t *testing.T, node *Node) *rpc.Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	pd := NewPowerD(node, nil)
	require.NoError(t, pd.Launch(lis))
	t.Cleanup(pd.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return rpc.NewClient(conn)
}

func TestDaemonRoundTrip(t *testing.T) {
	t.Parallel()

	tn := newTestNode(t, backend.NewDummy(api.Settings{}))
	c := startDaemon(t, tn.node)
	ctx := context.Background()

	reply, err := c.SetPowercap(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(250), reply.Applied)

	_, err = c.SetPowercap(ctx, 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, c.NewJob(ctx, &rpc.JobRequest{JobID: 1, User: "alice", Policy: "fixed"}))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cn01", st.NodeID)
	assert.Equal(t, "dummy", st.Backend)
	assert.False(t, st.Idle)
	assert.Equal(t, 1, st.Jobs)
	assert.Equal(t, uint32(250), st.CurrentPC)
	// a running job gets the default cap split across domains
	assert.Equal(t, uint32(170), st.PperDomain[api.DomainNode])
	assert.Equal(t, uint32(85), st.PperDomain[api.DomainCPU])

	require.NoError(t, c.SetRisk(ctx, 3, 200))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.Risk)
	assert.Equal(t, uint32(200), st.CurrentPC)

	sig, err := c.ReportSignature(ctx, &rpc.SignatureRequest{JobID: 1, Time: 10, CPI: 1, DefF: 2400000})
	require.NoError(t, err)
	assert.NotZero(t, sig.Freq)

	_, err = c.ReportSignature(ctx, &rpc.SignatureRequest{CPI: -1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, c.EndJob(ctx, &rpc.JobRequest{JobID: 1}))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Idle)
	assert.Equal(t, uint32(100), st.PperDomain[api.DomainNode])
}

func TestDaemonBackendFailureKeepsCap(t *testing.T) {
	t.Parallel()

	tn := newTestNode(t, failingBackend{backend.NewDummy(api.Settings{})})
	c := startDaemon(t, tn.node)
	ctx := context.Background()

	_, err := c.SetPowercap(ctx, 200)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, uint32(170), tn.node.Engine().Snapshot().CurrentPC)

	err = c.SetRisk(ctx, 7, 120)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, uint32(7), tn.node.Risk())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "power.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
Node:
  NodeID: cn01
  DefPowercap: 300
  DomainRatio:
    CPU: 0.7
  Backend:
    Name: dummy
  Policies:
    - Name: min_energy
      Freq: 2400000
      Threshold: 0.05
`)
	cfg, err := ParseConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "cn01", cfg.NodeID)
	assert.Equal(t, uint32(150), cfg.PowercapIdle)
	assert.Equal(t, uint32(300), cfg.MaxNodePower)
	assert.Equal(t, uint32(10), cfg.ThRelease)
	assert.Equal(t, util.DefaultCpowerdListenPort, cfg.ListenPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, sampler.DefaultSensor, *cfg.Sensor)
	assert.Equal(t, backend.NameDummy, cfg.Backend.Name)
	assert.Equal(t, []rpc.Policy{{Name: "min_energy", Freq: 2400000, Threshold: 0.05}}, cfg.RPCPolicies())
	assert.InDelta(t, 0.7, cfg.EngineConfig().Ratio.CPU, 1e-9)

	burst, relax, t1, maxAge := cfg.Intervals()
	assert.Equal(t, time.Second, burst)
	assert.Equal(t, 10*time.Second, relax)
	assert.Equal(t, time.Minute, t1)
	assert.Equal(t, 2*time.Minute, maxAge)
}

func TestParseConfigRejects(t *testing.T) {
	t.Parallel()

	bad := map[string]string{
		"no cap":     "Node:\n  LogLevel: info\n",
		"idle above": "Node:\n  DefPowercap: 100\n  PowercapIdle: 200\n",
		"threshold":  "Node:\n  DefPowercap: 100\n  ThInc: 100\n",
		"ratio":      "Node:\n  DefPowercap: 100\n  DomainRatio:\n    CPU: 0.8\n    GPU: 0.5\n",
		"log level":  "Node:\n  DefPowercap: 100\n  LogLevel: loud\n",
		"dup policy": "Node:\n  DefPowercap: 100\n  Policies:\n    - Name: a\n    - Name: a\n",
		"not yaml":   "Node: [",
	}
	for name, body := range bad {
		_, err := ParseConfig(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err := ParseConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	freqs := "2401000 2400000 2200000 2000000 1800000"
	for _, cpu := range []string{"cpu0", "cpu1"} {
		dir := filepath.Join(cpufreq.DefaultRoot, cpu, "cpufreq")
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "scaling_available_frequencies"), []byte(freqs), 0644))
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "scaling_cur_freq"), []byte("2400000"), 0644))
	}
	require.NoError(t, afero.WriteFile(fs, util.DefaultCoefficientAreaPath, []byte(testArea), 0644))

	cfg := &NodeConfig{NodeID: "cn01", DefPowercap: 170, Backend: backend.Config{Name: backend.NameDummy}}
	cfg.setDefaults()
	require.NoError(t, cfg.Validate())

	rt := Build(cfg, fs)
	assert.Equal(t, backend.NameDummy, rt.Backend.Name())
	assert.Equal(t, testPstates, rt.Node.Engine().Pstates())
	assert.Equal(t, 4, rt.Node.model.Loaded())
	require.NotNil(t, rt.Node.freq)

	rt.Node.Tick(context.Background())
	assert.Equal(t, "2400000", readFile(t, fs, filepath.Join(cpufreq.DefaultRoot, "cpu1", "cpufreq", "scaling_max_freq")))
	assert.NoError(t, rt.Close())
}

func TestBuildWithoutHardware(t *testing.T) {
	t.Parallel()

	cfg := &NodeConfig{NodeID: "cn01", DefPowercap: 170, Backend: backend.Config{Name: backend.NameDummy}}
	cfg.setDefaults()

	rt := Build(cfg, afero.NewMemMapFs())
	assert.Zero(t, rt.Node.Engine().Pstates().Len())
	assert.Zero(t, rt.Node.model.Loaded())
	assert.Nil(t, rt.Node.freq)

	rt.Node.Tick(context.Background())
	assert.NotNil(t, rt.Node.Status())
	assert.NoError(t, rt.Close())
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}
