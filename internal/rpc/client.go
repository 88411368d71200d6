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

import (
	"context"

	"google.golang.org/grpc"

	"CranePower/internal/util"
)

// Client talks to one node daemon.
type Client struct {
	cc    grpc.ClientConnInterface
	close func() error
}

// Dial connects to a node daemon at host:port or unix:///path. The
// connection is lazy, errors show up on the first call.
func Dial(addr string) (*Client, error) {
	conn, err := util.NewClientConn(addr,
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, close: conn.Close}, nil
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, close: func() error { return nil }}
}

func (c *Client) Close() error {
	return c.close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, method, in, out, grpc.CallContentSubtype(CodecName))
}

func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	out := new(StatusReply)
	if err := c.invoke(ctx, MethodStatus, &StatusRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetPowercap(ctx context.Context, limit uint32) (*SetPowercapReply, error) {
	out := new(SetPowercapReply)
	if err := c.invoke(ctx, MethodSetPowercap, &SetPowercapRequest{Limit: limit}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetRisk(ctx context.Context, risk uint32, limit uint32) error {
	return c.invoke(ctx, MethodSetRisk, &SetRiskRequest{Risk: risk, Limit: limit}, new(Empty))
}

func (c *Client) NewJob(ctx context.Context, req *JobRequest) error {
	return c.invoke(ctx, MethodNewJob, req, new(Empty))
}

func (c *Client) EndJob(ctx context.Context, req *JobRequest) error {
	return c.invoke(ctx, MethodEndJob, req, new(Empty))
}

func (c *Client) ReportSignature(ctx context.Context, req *SignatureRequest) (*SignatureReply, error) {
	out := new(SignatureReply)
	if err := c.invoke(ctx, MethodReportSignature, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
