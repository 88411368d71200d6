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

package cpowerd

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"CranePower/api"
	"CranePower/internal/rpc"
)

type PowerDaemon struct {
	rpc.UnimplementedPowerNodeServer
	Server *grpc.Server

	node  *Node
	fatal chan error
}

func NewPowerD(node *Node, opts []grpc.ServerOption) *PowerDaemon {
	pd := &PowerDaemon{
		Server: grpc.NewServer(opts...),
		node:   node,
		fatal:  make(chan error, 1),
	}
	rpc.RegisterPowerNodeServer(pd.Server, pd)
	return pd
}

// Launch serves on every listener in the background. A listener failing
// for any reason other than a stop is reported on Fatal.
func (pd *PowerDaemon) Launch(listeners ...net.Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("no listeners provided")
	}

	for _, listener := range listeners {
		go func(l net.Listener) {
			if err := pd.Server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Errorf("Failed to serve on %s: %v", l.Addr(), err)
				select {
				case pd.fatal <- err:
				default:
				}
			}
		}(listener)
	}
	return nil
}

func (pd *PowerDaemon) Fatal() <-chan error {
	return pd.fatal
}

func (pd *PowerDaemon) Stop() {
	pd.Server.Stop()
}

func (pd *PowerDaemon) GracefulStop() {
	pd.Server.GracefulStop()
}

func backendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, api.ErrUnsupportedDomain):
		return status.Error(codes.Unimplemented, err.Error())
	default:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
}

func (pd *PowerDaemon) Status(_ context.Context, req *rpc.StatusRequest) (*rpc.StatusReply, error) {
	log.Tracef("Status request received: %v", req)
	return pd.node.Status(), nil
}

func (pd *PowerDaemon) SetPowercap(ctx context.Context, req *rpc.SetPowercapRequest) (*rpc.SetPowercapReply, error) {
	log.Debugf("SetPowercap request received: %d W", req.Limit)
	if req.Limit == 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must be positive")
	}
	if err := pd.node.Engine().SetPowercap(ctx, req.Limit); err != nil {
		return nil, backendError(err)
	}
	return &rpc.SetPowercapReply{Applied: pd.node.Engine().Snapshot().CurrentPC}, nil
}

func (pd *PowerDaemon) SetRisk(ctx context.Context, req *rpc.SetRiskRequest) (*rpc.Empty, error) {
	log.Debugf("SetRisk request received: %v", req)
	if err := pd.node.SetRisk(ctx, req.Risk, req.Limit); err != nil {
		return nil, backendError(err)
	}
	return &rpc.Empty{}, nil
}

func (pd *PowerDaemon) runHooks(ctx context.Context, req *rpc.JobRequest, t api.HookType) error {
	ev := &api.JobEvent{JobID: req.JobID, User: req.User, Policy: req.Policy}
	c := api.NewHookContext(ctx, ev, t, pd.node.Hooks(t))
	c.Start()

	if errs := c.Errors(); len(errs) > 0 {
		return status.Error(codes.Internal, errors.Join(errs...).Error())
	}
	return nil
}

func (pd *PowerDaemon) NewJob(ctx context.Context, req *rpc.JobRequest) (*rpc.Empty, error) {
	log.Tracef("NewJob request received: %v", req)
	if err := pd.runHooks(ctx, req, api.NewJobHook); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (pd *PowerDaemon) EndJob(ctx context.Context, req *rpc.JobRequest) (*rpc.Empty, error) {
	log.Tracef("EndJob request received: %v", req)
	if err := pd.runHooks(ctx, req, api.EndJobHook); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (pd *PowerDaemon) ReportSignature(_ context.Context, req *rpc.SignatureRequest) (*rpc.SignatureReply, error) {
	log.Tracef("ReportSignature request received: %v", req)
	if req.CPI < 0 || req.TPI < 0 || req.Time < 0 {
		return nil, status.Error(codes.InvalidArgument, "signature values must not be negative")
	}
	return pd.node.ReportSignature(req), nil
}
