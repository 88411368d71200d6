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
	"io/fs"
	"math"
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	grpcstatus "google.golang.org/grpc/status"
)

var ServerKeepAliveParams = keepalive.ServerParameters{
	Time:    10 * time.Minute, // GRPC_ARG_KEEPALIVE_TIME_MS
	Timeout: 20 * time.Second, // GRPC_ARG_KEEPALIVE_TIMEOUT_MS
}

var ServerKeepAlivePolicy = keepalive.EnforcementPolicy{
	MinTime:             10 * time.Second, // GRPC_ARG_HTTP2_MIN_RECV_PING_INTERVAL_WITHOUT_DATA_MS
	PermitWithoutStream: true,             // GRPC_ARG_KEEPALIVE_PERMIT_WITHOUT_CALLS
}

var ClientKeepAliveParams = keepalive.ClientParameters{
	Time:                20 * time.Second, // 20s GRPC_ARG_KEEPALIVE_TIME_MS
	Timeout:             10 * time.Second, // 10s GRPC_ARG_KEEPALIVE_TIMEOUT_MS
	PermitWithoutStream: true,             // GRPC_ARG_KEEPALIVE_PERMIT_WITHOUT_CALLS
}

var ClientConnectParams = grpc.ConnectParams{
	Backoff: backoff.Config{
		BaseDelay:  1 * time.Second,  // 1s GRPC_ARG_INITIAL_RECONNECT_BACKOFF_MS
		Multiplier: 1.6,
		Jitter:     0.2,
		MaxDelay:   30 * time.Second, // 30s GRPC_ARG_MAX_RECONNECT_BACKOFF_MS
	},
}

func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(ServerKeepAliveParams),
		grpc.KeepaliveEnforcementPolicy(ServerKeepAlivePolicy),
	}
}

func GetTCPSocket(bindAddr string) (net.Listener, error) {
	return net.Listen("tcp", bindAddr)
}

func GetUnixSocket(path string, mode fs.FileMode) (net.Listener, error) {
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}

	if err = RemoveFileIfExists(path); err != nil {
		return nil, fmt.Errorf("error when removing existing unix socket: %w", err)
	}

	socket, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	// 0600 -> only owner can access
	// 0666 -> everyone can access, insecure
	if err = os.Chmod(path, mode); err != nil {
		return nil, err
	}

	return socket, nil
}

// NewClientConn dials a node daemon. The address may be host:port or
// unix:///path. Extra options are appended after the defaults.
func NewClientConn(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(ClientKeepAliveParams),
		grpc.WithConnectParams(ClientConnectParams),
		grpc.WithIdleTimeout(time.Duration(math.MaxInt64)), // GRPC_ARG_CLIENT_IDLE_TIMEOUT_MS
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", addr, err)
	}
	return conn, nil
}

func GrpcErrorPrintf(err error, format string, a ...any) {
	log.Error(GrpcErrorSprintf(err, format, a...))
}

func GrpcErrorSprintf(err error, format string, a ...any) string {
	s := fmt.Sprintf(format, a...)
	if rpcErr, ok := grpcstatus.FromError(err); ok {
		switch rpcErr.Code() {
		case grpccodes.Unavailable:
			return fmt.Sprintf("%s: Connection to node daemon is broken.", s)
		case grpccodes.Unauthenticated:
			return fmt.Sprintf("%s: Access denied.", s)
		case grpccodes.DeadlineExceeded:
			return fmt.Sprintf("%s: Request timeout.", s)
		case grpccodes.FailedPrecondition:
			return fmt.Sprintf("%s: %s.", s, rpcErr.Message())
		default:
			return fmt.Sprintf("%s: gRPC error code %s.", s, rpcErr.String())
		}
	}
	return fmt.Sprintf("%s: %v.", s, err)
}
