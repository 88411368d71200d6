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

package cpowerd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"CranePower/internal/util"
)

var (
	FlagConfigFilePath string
	FlagDebugLevel     string
)

var RootCmd = &cobra.Command{
	Use:     "cpowerd",
	Short:   "cpowerd enforces the node power cap for CranePower",
	Args:    cobra.ExactArgs(0),
	Version: util.Version(),
	Run: func(cmd *cobra.Command, args []string) {
		util.DetectNetworkProxy()

		cfg, err := ParseConfig(FlagConfigFilePath)
		if err != nil {
			log.Errorf("Failed to parse config: %v", err)
			os.Exit(util.ErrorCmdArg)
		}

		if cmd.Flags().Changed("debug-level") {
			util.InitLogger(FlagDebugLevel, cfg.LogFile)
		} else {
			util.InitLogger(cfg.LogLevel, cfg.LogFile)
		}

		rt := Build(cfg, afero.NewOsFs())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := rt.Node.Engine().SetPowercap(ctx, cfg.DefPowercap); err != nil {
			log.Warnf("Failed to apply the default powercap: %v", err)
		}

		tcpSocket, err := util.GetTCPSocket(net.JoinHostPort(cfg.ListenAddr, cfg.ListenPort))
		if err != nil {
			log.Errorf("Failed to listen on TCP: %v", err)
			os.Exit(util.ErrorNetwork)
		}
		unixSocket, err := util.GetUnixSocket(cfg.SockPath, 0600)
		if err != nil {
			log.Errorf("Failed to get UNIX socket: %v", err)
			os.Exit(util.ErrorGeneric)
		}

		pd := NewPowerD(rt.Node, util.ServerOptions())
		log.Infof("gRPC server listening on %s and %s.", tcpSocket.Addr(), cfg.SockPath)
		if err := pd.Launch(tcpSocket, unixSocket); err != nil {
			log.Errorf("Failed to launch power daemon: %v", err)
			os.Exit(util.ErrorGeneric)
		}

		go rt.Sched.Run(ctx, rt.Node.Tick)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		code := util.ErrorSuccess
		select {
		case sig := <-sigs:
			log.Infof("Received %v, exiting...", sig)
			if sig == syscall.SIGINT {
				pd.GracefulStop()
			} else {
				pd.Stop()
			}
		case <-pd.Fatal():
			pd.Stop()
			code = util.ErrorNetwork
		}

		cancel()
		if err := rt.Close(); err != nil {
			log.Errorf("Failed to release the backend: %v", err)
			code = util.ErrorBackend
		}
		os.Exit(code)
	},
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.Flags().StringVarP(&FlagConfigFilePath, "config", "C", util.DefaultConfigPath, "Path to configuration file")
	RootCmd.Flags().StringVarP(&FlagDebugLevel, "debug-level", "", "", "Available debug level (trace, debug, info)")
}

func ParseCmdArgs() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(util.ErrorGeneric)
	}
}
