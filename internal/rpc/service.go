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

// Package rpc is the node daemon service shared by the governor and the
// cpower CLI.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "cranepower.PowerNode"

const (
	MethodStatus          = "/" + ServiceName + "/Status"
	MethodSetPowercap     = "/" + ServiceName + "/SetPowercap"
	MethodSetRisk         = "/" + ServiceName + "/SetRisk"
	MethodNewJob          = "/" + ServiceName + "/NewJob"
	MethodEndJob          = "/" + ServiceName + "/EndJob"
	MethodReportSignature = "/" + ServiceName + "/ReportSignature"
)

type PowerNodeServer interface {
	Status(context.Context, *StatusRequest) (*StatusReply, error)
	SetPowercap(context.Context, *SetPowercapRequest) (*SetPowercapReply, error)
	SetRisk(context.Context, *SetRiskRequest) (*Empty, error)
	NewJob(context.Context, *JobRequest) (*Empty, error)
	EndJob(context.Context, *JobRequest) (*Empty, error)
	ReportSignature(context.Context, *SignatureRequest) (*SignatureReply, error)
}

// UnimplementedPowerNodeServer can be embedded to get forward compatible
// implementations.
type UnimplementedPowerNodeServer struct{}

func (UnimplementedPowerNodeServer) Status(context.Context, *StatusRequest) (*StatusReply, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedPowerNodeServer) SetPowercap(context.Context, *SetPowercapRequest) (*SetPowercapReply, error) {
	return nil, status.Error(codes.Unimplemented, "method SetPowercap not implemented")
}
func (UnimplementedPowerNodeServer) SetRisk(context.Context, *SetRiskRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SetRisk not implemented")
}
func (UnimplementedPowerNodeServer) NewJob(context.Context, *JobRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method NewJob not implemented")
}
func (UnimplementedPowerNodeServer) EndJob(context.Context, *JobRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method EndJob not implemented")
}
func (UnimplementedPowerNodeServer) ReportSignature(context.Context, *SignatureRequest) (*SignatureReply, error) {
	return nil, status.Error(codes.Unimplemented, "method ReportSignature not implemented")
}

func unary[Req any, Rep any](name string, call func(PowerNodeServer, context.Context, *Req) (*Rep, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PowerNodeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PowerNodeServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var PowerNodeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PowerNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", PowerNodeServer.Status),
		unary("SetPowercap", PowerNodeServer.SetPowercap),
		unary("SetRisk", PowerNodeServer.SetRisk),
		unary("NewJob", PowerNodeServer.NewJob),
		unary("EndJob", PowerNodeServer.EndJob),
		unary("ReportSignature", PowerNodeServer.ReportSignature),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cranepower/power_node",
}

func RegisterPowerNodeServer(s grpc.ServiceRegistrar, srv PowerNodeServer) {
	s.RegisterService(&PowerNodeServiceDesc, srv)
}
