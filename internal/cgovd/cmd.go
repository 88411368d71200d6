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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"CranePower/internal/governor"
	"CranePower/internal/util"
)

var (
	FlagConfigFilePath string
	FlagDebugLevel     string
	FlagOnce           bool
)

var RootCmd = &cobra.Command{
	Use:     "cgovd",
	Short:   "cgovd keeps a group of CranePower nodes within its power budget",
	Args:    cobra.ExactArgs(0),
	Version: util.Version(),
	Run: func(cmd *cobra.Command, args []string) {
		util.DetectNetworkProxy()

		cfg, err := LoadConfig(FlagConfigFilePath)
		if err != nil {
			log.Errorf("Failed to load config: %v", err)
			if errors.Is(err, governor.ErrNoNodes) {
				os.Exit(util.ErrorCgovdNoNodes)
			}
			os.Exit(util.ErrorCmdArg)
		}

		if cmd.Flags().Changed("debug-level") {
			util.InitLogger(FlagDebugLevel, cfg.Governor.LogFile)
		} else {
			util.InitLogger(cfg.Governor.LogLevel, cfg.Governor.LogFile)
		}
		PrintConfig(cfg)

		d, err := NewDaemon(cfg, governor.DialRPC)
		if err != nil {
			log.Errorf("Failed to start governor: %v", err)
			if errors.Is(err, governor.ErrNoNodes) {
				os.Exit(util.ErrorCgovdNoNodes)
			}
			os.Exit(util.ErrorGeneric)
		}

		code := util.ErrorSuccess
		if FlagOnce {
			if err := d.Once(context.Background()); err != nil {
				log.Errorf("%v", err)
				code = util.ErrorNetwork
			}
		} else {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				d.Run(ctx)
				close(done)
			}()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigs
			log.Infof("Received %v, exiting...", sig)
			cancel()
			<-done
		}

		if err := d.Close(); err != nil {
			log.Errorf("%v", err)
			code = util.ErrorGeneric
		}
		os.Exit(code)
	},
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.Flags().StringVarP(&FlagConfigFilePath, "config", "C", util.DefaultConfigPath, "Path to configuration file")
	RootCmd.Flags().StringVarP(&FlagDebugLevel, "debug-level", "", "", "Available debug level (trace, debug, info)")
	RootCmd.Flags().BoolVar(&FlagOnce, "once", false, "Run a single governor cycle and exit")
}

func ParseCmdArgs() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(util.ErrorGeneric)
	}
}
