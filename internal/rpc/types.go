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

package rpc

// MaxPolicies bounds the policy table carried by a status reply.
const MaxPolicies = 8

type Policy struct {
	Name      string  `json:"name"`
	Freq      uint64  `json:"freq"`
	Threshold float64 `json:"threshold"`
}

type StatusRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

// StatusReply is the node snapshot the governor works on. Power in watts,
// frequencies in kHz.
type StatusReply struct {
	NodeID  string `json:"node_id"`
	Backend string `json:"backend"`
	Status  string `json:"status"`
	Idle    bool   `json:"idle"`
	Jobs    int    `json:"jobs"`

	CurrentPC       uint32    `json:"current_pc"`
	LastT1Allocated uint32    `json:"last_t1_allocated"`
	DefPowercap     uint32    `json:"def_powercap"`
	PowercapIdle    uint32    `json:"powercap_idle"`
	MaxNodePower    uint32    `json:"max_node_power"`
	Released        uint32    `json:"released"`
	Requested       uint32    `json:"requested"`
	RequestedPower  uint32    `json:"requested_power"`
	PperDomain      [4]uint32 `json:"pper_domain"`
	Stress          uint8     `json:"stress"`

	Power         float64 `json:"power"`
	AvgFreq       uint64  `json:"avg_freq"`
	MaxFreq       uint64  `json:"max_freq"`
	PstateStep    uint64  `json:"pstate_step"`
	RequestedFreq uint64  `json:"requested_freq"`
	EffectiveFreq uint64  `json:"effective_freq"`

	Risk     uint32   `json:"risk"`
	Policies []Policy `json:"policies,omitempty"`
}

type SetPowercapRequest struct {
	Limit uint32 `json:"limit"`
}

type SetPowercapReply struct {
	Applied uint32 `json:"applied"`
}

// SetRiskRequest carries the cumulative risk mask and, when non-zero, a
// new node limit to apply with it.
type SetRiskRequest struct {
	Risk  uint32 `json:"risk"`
	Limit uint32 `json:"limit,omitempty"`
}

type JobRequest struct {
	JobID  uint32 `json:"job_id"`
	User   string `json:"user,omitempty"`
	Policy string `json:"policy,omitempty"`
}

// SignatureRequest is the application part of a signature, the node fills
// in power and frequency.
type SignatureRequest struct {
	JobID uint32  `json:"job_id"`
	Time  float64 `json:"time"`
	CPI   float64 `json:"cpi"`
	TPI   float64 `json:"tpi"`
	DefF  uint64  `json:"def_f"`
	Freq  uint64  `json:"freq"`
}

// SignatureReply returns the frequency the node decided on.
type SignatureReply struct {
	Freq   uint64 `json:"freq"`
	Status string `json:"status"`
}

type Empty struct{}
