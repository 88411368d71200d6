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

// Package backend holds the built-in powercap backends and the start-up
// selection between them.
package backend

import (
	logrus "github.com/sirupsen/logrus"

	"CranePower/api"
)

const (
	NameAuto        = "auto"
	NameDummy       = "dummy"
	NameRapl        = "rapl"
	NameVendorShell = "vendorshell"
	NamePlugin      = "plugin"
)

var log = logrus.WithField("component", "Backend")

const (
	prefixDummy  = "\033[36m[Dummy]\033[0m"
	prefixRapl   = "\033[32m[RAPL]\033[0m"
	prefixVendor = "\033[33m[VendorShell]\033[0m"
	prefixPlugin = "\033[35m[Plugin]\033[0m"
)

type Config struct {
	// auto, dummy, rapl, vendorshell or plugin
	Name          string  `yaml:"Name"`
	NodeRatio     float64 `yaml:"NodeRatio"`
	SecurityRange float64 `yaml:"SecurityRange"`

	Rapl        RaplConfig        `yaml:"Rapl"`
	VendorShell VendorShellConfig `yaml:"VendorShell"`
	Plugin      api.PluginMeta    `yaml:"Plugin"`
}

func (c *Config) settings() api.Settings {
	ratio := c.NodeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	security := c.SecurityRange
	if security < 0 {
		security = 0
	}
	return api.Settings{NodeRatio: ratio, SecurityRange: security}
}
