package cgovd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CranePower/internal/governor"
	"CranePower/internal/report"
	"CranePower/internal/rpc"
	"CranePower/internal/util"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "power.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const minimal = `
Governor:
  Nodes: ["cn[01-02]"]
  PowerBudget: 1000
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimal))
	require.NoError(t, err)

	g := cfg.Governor
	assert.Equal(t, []string{"cn[01-02]"}, g.Nodes)
	assert.Equal(t, util.DefaultCpowerdListenPort, g.NodePort)
	assert.Equal(t, uint32(1000), g.PowerBudget)
	assert.InDelta(t, 85.0, g.Warning1, 1e-9)
	assert.InDelta(t, 95.0, g.Panic, 1e-9)
	assert.Equal(t, 10*time.Second, g.PollInterval)
	assert.Equal(t, 2*time.Second, g.NodeTimeout)
	assert.Equal(t, governor.IdleLast, g.VictimOrder)
	assert.Equal(t, "info", g.LogLevel)

	assert.Equal(t, report.TypeNone, cfg.Report.Type)
	assert.Equal(t, report.DefaultBatchSize, cfg.Report.BatchSize)
	assert.Nil(t, cfg.Report.SQLite)
}

func TestLoadConfigSections(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
Governor:
  Nodes: ["cn01", "gpu[1-4]"]
  NodePort: "10091"
  PowerBudget: 4000
  Warning1: 70
  Warning2: 80
  Panic: 90
  PollInterval: 3s
  VictimOrder: IdleFirst
  LogLevel: debug
Report:
  Type: sqlite
  BatchSize: 5
  SQLite:
    Path: /var/lib/crane/power.db
`))
	require.NoError(t, err)

	assert.Equal(t, "10091", cfg.Governor.NodePort)
	assert.Equal(t, 3*time.Second, cfg.Governor.PollInterval)
	assert.Equal(t, governor.IdleFirst, cfg.Governor.VictimOrder)
	assert.Equal(t, report.TypeSQLite, cfg.Report.Type)
	assert.Equal(t, 5, cfg.Report.BatchSize)
	require.NotNil(t, cfg.Report.SQLite)
	assert.Equal(t, "/var/lib/crane/power.db", cfg.Report.SQLite.Path)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CRANEPOWER_GOVERNOR_POWERBUDGET", "2500")
	t.Setenv("CRANEPOWER_GOVERNOR_VICTIMORDER", "IdleFirst")

	cfg, err := LoadConfig(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, uint32(2500), cfg.Governor.PowerBudget)
	assert.Equal(t, governor.IdleFirst, cfg.Governor.VictimOrder)
}

func TestLoadConfigRejects(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "Governor:\n  PowerBudget: 1000\n"))
	assert.ErrorIs(t, err, governor.ErrNoNodes)

	bad := map[string]string{
		"no budget":  "Governor:\n  Nodes: [cn01]\n",
		"thresholds": "Governor:\n  Nodes: [cn01]\n  PowerBudget: 10\n  Warning1: 95\n  Warning2: 90\n",
		"victims":    "Governor:\n  Nodes: [cn01]\n  PowerBudget: 10\n  VictimOrder: Random\n",
		"log level":  "Governor:\n  Nodes: [cn01]\n  PowerBudget: 10\n  LogLevel: loud\n",
	}
	for name, body := range bad {
		_, err := LoadConfig(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type fakeNode struct {
	reply rpc.StatusReply
}

func (f *fakeNode) Status(context.Context) (*rpc.StatusReply, error) {
	r := f.reply
	return &r, nil
}

func (f *fakeNode) SetPowercap(_ context.Context, limit uint32) (*rpc.SetPowercapReply, error) {
	return &rpc.SetPowercapReply{Applied: limit}, nil
}

func (f *fakeNode) SetRisk(context.Context, uint32, uint32) error {
	return nil
}

func fakeDialer(addrs *[]string) governor.Dialer {
	return func(addr string) (governor.NodeClient, error) {
		*addrs = append(*addrs, addr)
		return &fakeNode{reply: rpc.StatusReply{
			Status: "OK", Idle: true, Power: 100,
			CurrentPC: 300, DefPowercap: 300, PowercapIdle: 150, MaxNodePower: 400,
		}}, nil
	}
}

func TestDaemonOnceReportsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "power.db")
	cfg, err := LoadConfig(writeConfig(t, minimal+`
Report:
  Type: sqlite
  BatchSize: 1
  SQLite:
    Path: `+path+"\n"))
	require.NoError(t, err)

	var addrs []string
	d, err := NewDaemon(cfg, fakeDialer(&addrs))
	require.NoError(t, err)
	require.Len(t, d.Governor.Nodes(), 2)

	require.NoError(t, d.Once(context.Background()))
	assert.ElementsMatch(t, []string{
		util.NodeAddress("cn01", util.DefaultCpowerdListenPort),
		util.NodeAddress("cn02", util.DefaultCpowerdListenPort),
	}, addrs)
	last := d.Governor.LastStatus()
	require.NotNil(t, last)
	assert.Equal(t, governor.Risk(0), last.Risk)
	require.NoError(t, d.Close())

	db, err := report.NewSQLite(&report.SQLiteConfig{Path: path}, 1, 0)
	require.NoError(t, err)
	defer db.Close()
	history, err := db.ClusterHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].TotalNodes)
	assert.Equal(t, 2, history[0].IdleNodes)
	assert.InDelta(t, 200.0, history[0].CurrentPower, 1e-9)
}

func TestNewDaemonErrors(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimal))
	require.NoError(t, err)

	broken := *cfg
	broken.Report = report.Config{Type: "mongodb"}
	_, err = NewDaemon(&broken, fakeDialer(new([]string)))
	assert.Error(t, err)

	broken = *cfg
	broken.Governor.Nodes = []string{"cn[02-01"}
	_, err = NewDaemon(&broken, fakeDialer(new([]string)))
	assert.Error(t, err)

	d, err := NewDaemon(cfg, func(string) (governor.NodeClient, error) {
		return nil, errors.New("connection refused")
	})
	require.NoError(t, err)
	assert.Error(t, d.Once(context.Background()))
	assert.NoError(t, d.Close())
}
