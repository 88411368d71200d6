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

package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	DefaultConfigPath          string
	DefaultCpowerdSocketPath   string
	DefaultCpowerdListenPort   string
	DefaultCoefficientAreaPath string
)

func init() {
	DefaultConfigPath = "/etc/crane/power.yaml"
	DefaultCpowerdSocketPath = "/var/crane/cpowerd.sock"
	DefaultCpowerdListenPort = "10090"
	DefaultCoefficientAreaPath = "/etc/crane/coefficients.json"
}

func CheckLogLevel(level string) error {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
}

// InitLogger sets the global logrus logger. An empty file keeps stdout only,
// otherwise the file is rotated by lumberjack.
func InitLogger(level string, file string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level %q, fallback to info", level)
		lvl = log.InfoLevel
	}

	log.SetLevel(lvl)
	log.SetReportCaller(true)
	log.SetFormatter(&nested.Formatter{})

	if file == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		log.Warnf("Failed to create log directory: %v, using stdout only", err)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    64,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}
