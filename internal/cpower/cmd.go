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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"CranePower/internal/cgovd"
	"CranePower/internal/governor"
	"CranePower/internal/report"
	"CranePower/internal/rpc"
	"CranePower/internal/util"
)

var (
	FlagConfigFilePath string
	FlagNode           string
	FlagTimeout        time.Duration
	FlagJson           bool
	FlagNoColor        bool

	FlagRiskLimit uint32

	FlagJobUser   string
	FlagJobPolicy string

	FlagSigJob  uint32
	FlagSigTime float64
	FlagSigCPI  float64
	FlagSigTPI  float64
	FlagSigDefF uint64
	FlagSigFreq uint64

	FlagTree bool

	FlagHistoryDB    string
	FlagHistoryNode  string
	FlagHistoryLimit int
	FlagHistoryNodes bool
)

func withNode(run func(ctx context.Context, node NodeAPI) error) error {
	client, err := rpc.Dial(NodeTarget(FlagNode))
	if err != nil {
		return util.WrapCraneErr(util.ErrorNetwork, "Failed to connect to the node daemon", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), FlagTimeout)
	defer cancel()
	return run(ctx, client)
}

// NodeTarget turns --node into a dial target: the local socket when empty,
// the default port when none is given.
func NodeTarget(node string) string {
	switch {
	case node == "":
		return "unix://" + util.DefaultCpowerdSocketPath
	case strings.HasPrefix(node, "unix:"):
		return node
	default:
		return util.NodeAddress(node, util.DefaultCpowerdListenPort)
	}
}

func parseUint32(s, what string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, util.NewCraneErr(util.ErrorCmdArg, "Invalid "+what+": "+s+".")
	}
	return uint32(v), nil
}

var (
	RootCmd = &cobra.Command{
		Use:     "cpower",
		Short:   "Query and control CranePower node and cluster power caps",
		Version: util.Version(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.DetectNetworkProxy()
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the power state of a node",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := NewPrinter(os.Stdout, FlagNoColor)
			return withNode(func(ctx context.Context, node NodeAPI) error {
				return QueryStatus(ctx, node, p, FlagJson)
			})
		},
	}

	setCapCmd = &cobra.Command{
		Use:   "setcap WATTS",
		Short: "Set the node power cap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := parseUint32(args[0], "power cap")
			if err != nil {
				return err
			}
			return withNode(func(ctx context.Context, node NodeAPI) error {
				return SetPowercap(ctx, node, os.Stdout, limit)
			})
		},
	}

	riskCmd = &cobra.Command{
		Use:   "risk none|w1|w2|panic|MASK",
		Short: "Send a cluster risk level to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			risk, err := ParseRisk(args[0])
			if err != nil {
				return util.NewCraneErr(util.ErrorCmdArg, err.Error())
			}
			return withNode(func(ctx context.Context, node NodeAPI) error {
				return SetRisk(ctx, node, os.Stdout, risk, FlagRiskLimit)
			})
		},
	}

	jobCmd = &cobra.Command{
		Use:   "job",
		Short: "Notify a node of job start or end",
	}

	jobStartCmd = &cobra.Command{
		Use:   "start JOBID",
		Short: "Notify a node that a job started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(args[0], true)
		},
	}

	jobEndCmd = &cobra.Command{
		Use:   "end JOBID",
		Short: "Notify a node that a job ended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(args[0], false)
		},
	}

	signatureCmd = &cobra.Command{
		Use:   "signature",
		Short: "Report an application signature and print the chosen frequency",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if FlagSigTime < 0 || FlagSigCPI < 0 || FlagSigTPI < 0 {
				return util.NewCraneErr(util.ErrorCmdArg, "Invalid argument: signature values must not be negative.")
			}
			req := &rpc.SignatureRequest{
				JobID: FlagSigJob, Time: FlagSigTime, CPI: FlagSigCPI, TPI: FlagSigTPI,
				DefF: FlagSigDefF, Freq: FlagSigFreq,
			}
			return withNode(func(ctx context.Context, node NodeAPI) error {
				return SendSignature(ctx, node, os.Stdout, req)
			})
		},
	}

	clusterCmd = &cobra.Command{
		Use:   "cluster",
		Short: "Poll every node of the governor config",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cgovd.LoadConfig(FlagConfigFilePath)
			if err != nil {
				return util.WrapCraneErr(util.ErrorCmdArg, "Failed to load config", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), FlagTimeout)
			defer cancel()
			return QueryCluster(ctx, cfg, governor.DialRPC, NewPrinter(os.Stdout, FlagNoColor), FlagJson, FlagTree)
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show governor cycles stored in the SQLite report database",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := FlagHistoryDB
			if path == "" {
				cfg, err := cgovd.LoadConfig(FlagConfigFilePath)
				if err != nil {
					return util.WrapCraneErr(util.ErrorCmdArg, "Failed to load config", err)
				}
				if cfg.Report.Type != report.TypeSQLite || cfg.Report.SQLite == nil {
					return util.NewCraneErr(util.ErrorCmdArg, "No SQLite report database configured, use --db.")
				}
				path = cfg.Report.SQLite.Path
			}
			if FlagHistoryLimit <= 0 {
				return util.NewCraneErr(util.ErrorCmdArg, "Invalid argument: --limit must be positive.")
			}
			return QueryHistory(&report.SQLiteConfig{Path: path}, NewPrinter(os.Stdout, FlagNoColor),
				FlagHistoryNode, FlagHistoryLimit, FlagHistoryNodes)
		},
	}
)

func runJob(arg string, start bool) error {
	id, err := parseUint32(arg, "job id")
	if err != nil {
		return err
	}
	req := &rpc.JobRequest{JobID: id, User: FlagJobUser, Policy: FlagJobPolicy}
	return withNode(func(ctx context.Context, node NodeAPI) error {
		return NotifyJob(ctx, node, req, start)
	})
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.PersistentFlags().StringVarP(&FlagConfigFilePath, "config", "C",
		util.DefaultConfigPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVarP(&FlagNode, "node", "n", "",
		"Node daemon to talk to (host, host:port or unix:///path), default is the local socket")
	RootCmd.PersistentFlags().DurationVar(&FlagTimeout, "timeout", 5*time.Second, "Request timeout")
	RootCmd.PersistentFlags().BoolVar(&FlagJson, "json", false, "Output in JSON format")
	RootCmd.PersistentFlags().BoolVar(&FlagNoColor, "no-color", false, "Disable coloured output")

	riskCmd.Flags().Uint32Var(&FlagRiskLimit, "limit", 0, "Power cap to apply with the risk (W)")

	jobCmd.PersistentFlags().StringVarP(&FlagJobUser, "user", "u", "", "Job owner")
	jobStartCmd.Flags().StringVarP(&FlagJobPolicy, "policy", "p", "", "Energy policy of the job")
	jobCmd.AddCommand(jobStartCmd, jobEndCmd)

	signatureCmd.Flags().Uint32VarP(&FlagSigJob, "job", "j", 0, "Job id")
	signatureCmd.Flags().Float64Var(&FlagSigTime, "time", 0, "Seconds per iteration")
	signatureCmd.Flags().Float64Var(&FlagSigCPI, "cpi", 0, "Cycles per instruction")
	signatureCmd.Flags().Float64Var(&FlagSigTPI, "tpi", 0, "Memory transactions per instruction")
	signatureCmd.Flags().Uint64Var(&FlagSigDefF, "def-freq", 0, "Frequency the signature was measured at (kHz)")
	signatureCmd.Flags().Uint64Var(&FlagSigFreq, "freq", 0, "Frequency the application asks for (kHz)")

	clusterCmd.Flags().BoolVarP(&FlagTree, "tree", "t", false, "Group nodes by status in a tree")

	historyCmd.Flags().StringVar(&FlagHistoryDB, "db", "", "SQLite database, default is Report.SQLite.Path of the config")
	historyCmd.Flags().StringVar(&FlagHistoryNode, "node-id", "", "Show the rows of one node")
	historyCmd.Flags().BoolVar(&FlagHistoryNodes, "nodes", false, "Show node rows instead of cluster cycles")
	historyCmd.Flags().IntVarP(&FlagHistoryLimit, "limit", "l", 20, "Number of rows")

	RootCmd.AddCommand(statusCmd, setCapCmd, riskCmd, jobCmd, signatureCmd, clusterCmd, historyCmd)
}

func ParseCmdArgs() {
	util.RunEWrapperForLeafCommand(RootCmd)
	util.RunAndHandleExit(RootCmd)
}
