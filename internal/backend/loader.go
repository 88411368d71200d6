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
	"plugin"

	"CranePower/api"
)

// LoadPlugin opens a shared object built with -buildmode=plugin and loads
// the backend it exports as PluginInstance.
func LoadPlugin(meta api.PluginMeta) (api.BackendPlugin, error) {
	log.Infof("%s Loading backend %s from %s", prefixPlugin, meta.Name, meta.Path)

	// Load by path
	plg, err := plugin.Open(meta.Path)
	if err != nil {
		return nil, err
	}

	// Search for variable
	v, err := plg.Lookup("PluginInstance")
	if err != nil {
		return nil, err
	}

	castV, ok := v.(api.BackendPlugin)
	if !ok {
		return nil, fmt.Errorf("failed to cast plugin instance %v", meta.Name)
	}

	if err := castV.Load(meta); err != nil {
		return nil, fmt.Errorf("failed to load plugin %s: %w", meta.Name, err)
	}

	log.Infof("%s Backend %s version %s loaded", prefixPlugin, meta.Name, castV.Version())
	return castV, nil
}
