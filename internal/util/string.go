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
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var rangeRegex = regexp.MustCompile(`^(\d+)(?:-(\d+))?$`)

// ParseHostList expands "cn[01-03],gpu1" into individual host names.
// Several bracket groups in one name multiply, e.g. "r[1-2]n[1-2]".
func ParseHostList(hostStr string) ([]string, bool) {
	names, ok := splitHosts(strings.ReplaceAll(hostStr, " ", ""))
	if !ok {
		return nil, false
	}

	var hosts []string
	for _, name := range names {
		expanded, ok := expandHost(name)
		if !ok {
			log.Errorf("Illegal node name %q", name)
			return nil, false
		}
		hosts = append(hosts, expanded...)
	}
	return hosts, true
}

// splitHosts splits on the commas outside brackets.
func splitHosts(s string) ([]string, bool) {
	var out []string
	depth, from := 0, 0
	for i, c := range s {
		switch c {
		case '[':
			if depth > 0 {
				log.Errorln("Illegal node name string format: duplicate brackets")
				return nil, false
			}
			depth++
		case ']':
			if depth == 0 {
				log.Errorln("Illegal node name string format: isolated bracket")
				return nil, false
			}
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[from:i])
				from = i + 1
			}
		}
	}
	if depth != 0 {
		log.Errorln("Illegal node name string format: isolated bracket")
		return nil, false
	}
	out = append(out, s[from:])

	names := out[:0]
	for _, n := range out {
		if n != "" {
			names = append(names, n)
		}
	}
	return names, true
}

func expandHost(name string) ([]string, bool) {
	open := strings.IndexByte(name, '[')
	if open < 0 {
		return []string{name}, true
	}
	end := strings.IndexByte(name, ']')
	prefix, ranges, rest := name[:open], name[open+1:end], name[end+1:]

	var heads []string
	for _, r := range strings.Split(ranges, ",") {
		m := rangeRegex.FindStringSubmatch(r)
		if m == nil {
			return nil, false
		}
		if m[2] == "" {
			heads = append(heads, prefix+m[1])
			continue
		}
		start, _ := strconv.Atoi(m[1])
		stop, _ := strconv.Atoi(m[2])
		if start > stop {
			return nil, false
		}
		for i := start; i <= stop; i++ {
			heads = append(heads, fmt.Sprintf("%s%0*d", prefix, len(m[1]), i))
		}
	}

	tails, ok := expandHost(rest)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(heads)*len(tails))
	for _, h := range heads {
		for _, t := range tails {
			out = append(out, h+t)
		}
	}
	return out, true
}

// NodeAddress appends the port unless the host already carries one.
func NodeAddress(host string, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}

// ParseDurationOr falls back to def when s is empty or malformed.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Warnf("Invalid duration %q, using default %s", s, def)
		return def
	}
	return d
}
