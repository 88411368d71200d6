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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"CranePower/internal/governor"
	"CranePower/internal/report"
	"CranePower/internal/util"
)

const EnvPrefix = "CRANEPOWER"

type GovernorSection struct {
	governor.Config `mapstructure:",squash"`

	LogLevel string `mapstructure:"LogLevel"`
	LogFile  string `mapstructure:"LogFile"`
}

type Config struct {
	Governor GovernorSection `mapstructure:"Governor"`
	Report   report.Config   `mapstructure:"Report"`
}

// LoadConfig reads the Governor and Report sections. Every key can be
// overridden from the environment, e.g. CRANEPOWER_GOVERNOR_POWERBUDGET.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("Governor.Nodes", []string{})
	v.SetDefault("Governor.NodePort", util.DefaultCpowerdListenPort)
	v.SetDefault("Governor.PowerBudget", 0)
	v.SetDefault("Governor.Warning1", 85.0)
	v.SetDefault("Governor.Warning2", 90.0)
	v.SetDefault("Governor.Panic", 95.0)
	v.SetDefault("Governor.PollInterval", 10*time.Second)
	v.SetDefault("Governor.NodeTimeout", 2*time.Second)
	v.SetDefault("Governor.VictimOrder", string(governor.IdleLast))
	v.SetDefault("Governor.ReductionFraction", 0.05)
	v.SetDefault("Governor.LogLevel", "info")
	v.SetDefault("Governor.LogFile", "")

	v.SetDefault("Report.Type", report.TypeNone)
	v.SetDefault("Report.BatchSize", report.DefaultBatchSize)
	v.SetDefault("Report.FlushTime", report.DefaultFlushTime.String())
}

func validateConfig(cfg *Config) error {
	if err := util.CheckLogLevel(cfg.Governor.LogLevel); err != nil {
		return err
	}
	if len(cfg.Governor.Nodes) == 0 {
		return fmt.Errorf("Governor.Nodes: %w", governor.ErrNoNodes)
	}
	if err := cfg.Governor.Validate(); err != nil {
		return fmt.Errorf("Governor: %w", err)
	}
	return nil
}

func PrintConfig(cfg *Config) {
	g := cfg.Governor
	log.Infof("Governing %s on port %s", strings.Join(g.Nodes, ","), g.NodePort)
	log.Infof("Budget %d W, thresholds %.1f%%/%.1f%%/%.1f%%, victims %s, reduction %.2f",
		g.PowerBudget, g.Warning1, g.Warning2, g.Panic, g.VictimOrder, g.ReductionFraction)
	log.Infof("Poll every %v, node timeout %v", g.PollInterval, g.NodeTimeout)

	r := cfg.Report
	switch r.Type {
	case report.TypeInfluxDB:
		if r.InfluxDB != nil {
			log.Infof("Reporting to InfluxDB %s (org %s, bucket %s), batch %d, flush %s",
				r.InfluxDB.URL, r.InfluxDB.Org, r.InfluxDB.Bucket, r.BatchSize, r.FlushTime)
		}
	case report.TypeSQLite:
		if r.SQLite != nil {
			log.Infof("Reporting to SQLite %s, batch %d, flush %s", r.SQLite.Path, r.BatchSize, r.FlushTime)
		}
	default:
		log.Infof("Reporting disabled")
	}
}
