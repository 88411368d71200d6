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

package sampler

import (
	"fmt"
	"sync"
	"time"

	"github.com/u-root/u-root/pkg/ipmi"
)

const (
	CMD_GET_SENSOR_READING = 0x2D
	NETFN_SENSOR           = 0x04

	ipmiCacheDuration = 500 * time.Millisecond
)

// SensorConfig locates the node DC power sensor on the BMC. The reading
// byte is multiplied by Scale to get watts.
type SensorConfig struct {
	Number   uint8   `yaml:"Number"`
	Scale    float64 `yaml:"Scale"`
	MaxValue float64 `yaml:"MaxValue"`
}

var DefaultSensor = SensorConfig{Number: 0xdb, Scale: 8.0, MaxValue: 1000.0}

type rawCommander interface {
	RawCmd(param []byte) ([]byte, error)
	Close() error
}

// IPMIReader reads node power from the local BMC through /dev/ipmi0.
type IPMIReader struct {
	sensor SensorConfig

	mu     sync.Mutex
	conn   rawCommander
	last   float64
	lastAt time.Time
}

func NewIPMIReader(sensor SensorConfig) (*IPMIReader, error) {
	if sensor.Scale == 0 {
		sensor = DefaultSensor
	}
	i, err := ipmi.Open(0)
	if err != nil {
		return nil, fmt.Errorf("\033[31m[IPMI]\033[0m failed to open IPMI device: %w", err)
	}
	return &IPMIReader{sensor: sensor, conn: i}, nil
}

func (r *IPMIReader) Name() string {
	return "ipmi"
}

// Power returns the last reading when asked again within the cache window.
func (r *IPMIReader) Power() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastAt.IsZero() && time.Since(r.lastAt) < ipmiCacheDuration {
		return r.last, nil
	}

	resp, err := r.conn.RawCmd([]byte{NETFN_SENSOR, CMD_GET_SENSOR_READING, r.sensor.Number})
	if err != nil {
		return 0, fmt.Errorf("\033[31m[IPMI]\033[0m failed to get sensor reading: %w", err)
	}
	if len(resp) < 4 {
		return 0, fmt.Errorf("\033[31m[IPMI]\033[0m invalid response length")
	}
	if resp[0] != 0x00 {
		return 0, fmt.Errorf("\033[31m[IPMI]\033[0m command failed with code: 0x%02x", resp[0])
	}
	if resp[2] != 0xC0 || resp[3] != 0xC0 {
		return 0, fmt.Errorf("\033[31m[IPMI]\033[0m invalid reading flags: %02x %02x", resp[2], resp[3])
	}

	power := float64(resp[1]) * r.sensor.Scale
	if r.sensor.MaxValue > 0 && power > r.sensor.MaxValue {
		return 0, fmt.Errorf("\033[31m[IPMI]\033[0m reading out of range: %.2f W (raw: 0x%02x)", power, resp[1])
	}

	r.last, r.lastAt = power, time.Now()
	return power, nil
}

func (r *IPMIReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
