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

package backend

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"CranePower/api"
)

type selector struct {
	fs         afero.Fs
	newRunner  func(c SSHConfig) (Runner, error)
	loadPlugin func(meta api.PluginMeta) (api.BackendPlugin, error)
}

func defaultRunner(c SSHConfig) (Runner, error) {
	if c.Host == "" {
		return &LocalRunner{}, nil
	}
	return NewSSHRunner(c)
}

// Select builds and enables the configured backend. Whatever goes wrong,
// the node ends up with an enabled backend: dummy is the last resort.
func Select(cfg Config, handle api.PollingHandle) api.Backend {
	s := selector{
		fs:         afero.NewOsFs(),
		newRunner:  defaultRunner,
		loadPlugin: LoadPlugin,
	}
	return s.selectBackend(cfg, handle)
}

func (s *selector) selectBackend(cfg Config, handle api.PollingHandle) api.Backend {
	settings := cfg.settings()

	b, err := s.build(cfg, settings)
	if err == nil {
		if err = b.Enable(handle); err == nil {
			log.Infof("Using powercap backend %s", b.Name())
			return b
		}
	}

	log.Warnf("Powercap backend %q unavailable, falling back to %s: %v", cfg.Name, NameDummy, err)
	d := NewDummy(settings)
	_ = d.Enable(handle)
	return d
}

func (s *selector) build(cfg Config, settings api.Settings) (api.Backend, error) {
	name := strings.ToLower(cfg.Name)
	if name == "" {
		name = NameAuto
	}

	switch name {
	case NameDummy:
		return NewDummy(settings), nil
	case NameRapl:
		return NewRapl(s.fs, cfg.Rapl, settings), nil
	case NameVendorShell:
		return s.vendorShell(cfg, settings)
	case NamePlugin:
		if cfg.Plugin.Path == "" {
			return nil, fmt.Errorf("plugin backend needs Plugin.Path")
		}
		return s.loadPlugin(cfg.Plugin)
	case NameAuto:
		return s.probe(cfg, settings), nil
	default:
		return nil, fmt.Errorf("unknown powercap backend %q", cfg.Name)
	}
}

func (s *selector) vendorShell(cfg Config, settings api.Settings) (*VendorShell, error) {
	runner, err := s.newRunner(cfg.VendorShell.SSH)
	if err != nil {
		return nil, err
	}
	return NewVendorShell(cfg.VendorShell, settings, runner)
}

// probe tries rapl, then the vendor tool, then settles for dummy.
func (s *selector) probe(cfg Config, settings api.Settings) api.Backend {
	if r := NewRapl(s.fs, cfg.Rapl, settings); r.Probe() {
		return r
	}
	if cfg.VendorShell.PowerLimitCmd != "" {
		if v, err := s.vendorShell(cfg, settings); err == nil && v.Probe() {
			return v
		} else if err != nil {
			log.Debugf("Vendor shell backend not usable: %v", err)
		}
	}
	return NewDummy(settings)
}
