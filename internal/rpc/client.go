package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

// Client is a typed client for SimulationService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Start calls SimulationService.Start.
func (c *Client) Start(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("Start"), &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// Stop calls SimulationService.Stop.
func (c *Client) Stop(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("Stop"), &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// Status calls SimulationService.GetStatus.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetStatus"), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats calls SimulationService.GetStats and decodes the result.
func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (*stats.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetStats"), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	var snap stats.Snapshot
	if err := fromStruct(out, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Params calls SimulationService.GetParams and decodes the result.
func (c *Client) Params(ctx context.Context, opts ...grpc.CallOption) (params.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetParams"), &emptypb.Empty{}, out, opts...); err != nil {
		return params.Snapshot{}, err
	}
	var p params.Snapshot
	err := fromStruct(out, &p)
	return p, err
}

// SetParams calls SimulationService.SetParams.
func (c *Client) SetParams(ctx context.Context, fields map[string]any, opts ...grpc.CallOption) (params.Snapshot, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return params.Snapshot{}, fmt.Errorf("encode params: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("SetParams"), in, out, opts...); err != nil {
		return params.Snapshot{}, err
	}
	var p params.Snapshot
	err = fromStruct(out, &p)
	return p, err
}

// SetTasks calls SimulationService.SetTasks.
func (c *Client) SetTasks(ctx context.Context, tasks []params.Task, opts ...grpc.CallOption) error {
	raw, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	in, err := structpb.NewList(values)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	return c.cc.Invoke(ctx, fullMethod("SetTasks"), in, new(emptypb.Empty), opts...)
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
