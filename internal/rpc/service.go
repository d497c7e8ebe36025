// Package rpc exposes the simulation controller over gRPC as
// simulation.v1.SimulationService.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/workload-simulator/internal/logging"
	"github.com/signalsfoundry/workload-simulator/internal/sim/controller"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
	"github.com/signalsfoundry/workload-simulator/internal/sim/stats"
)

// Simulation is the controller surface the service drives.
type Simulation interface {
	Start() error
	Stop()
	Status() controller.Status
	Params() params.Snapshot
	SetParams(fields map[string]any) (params.Snapshot, error)
	SetTasks(tasks []params.Task)
	Stats() (*stats.Snapshot, bool)
}

// Service implements SimulationServiceServer on top of a Simulation.
type Service struct {
	sim Simulation
	log logging.Logger
}

// NewService constructs a Service bound to sim.
func NewService(sim Simulation, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{sim: sim, log: log}
}

var _ SimulationServiceServer = (*Service)(nil)

// Start begins the simulation loop; a no-op when already running.
func (s *Service) Start(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.sim.Start(); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Stop requests the loop to stop after its in-flight iteration.
func (s *Service) Stop(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.sim.Stop()
	return &emptypb.Empty{}, nil
}

// GetStatus returns {"state","run_id","iteration"}.
func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.sim.Status()
	out, err := structpb.NewStruct(map[string]any{
		"state":     st.State.String(),
		"run_id":    st.RunID,
		"iteration": float64(st.Iteration),
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// GetStats returns the latest iteration's stats, or NotFound before the first
// iteration completes.
func (s *Service) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, ok := s.sim.Stats()
	if !ok {
		return nil, ToStatusError(ErrNoStats)
	}
	return s.toStruct(ctx, snap)
}

// GetParams returns the current parameters.
func (s *Service) GetParams(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.toStruct(ctx, s.sim.Params())
}

// SetParams applies the recognised fields of req and returns the resulting
// parameters.
func (s *Service) SetParams(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	updated, err := s.sim.SetParams(req.AsMap())
	if err != nil {
		logging.FromContext(ctx, s.log).Warn(ctx, "SetParams rejected", logging.Err(err))
		return nil, ToStatusError(err)
	}
	return s.toStruct(ctx, updated)
}

// SetTasks replaces the task list with the entries of req.
func (s *Service) SetTasks(ctx context.Context, req *structpb.ListValue) (*emptypb.Empty, error) {
	tasks, err := params.TasksFromValues(req.AsSlice())
	if err != nil {
		return nil, ToStatusError(err)
	}
	s.sim.SetTasks(tasks)
	logging.FromContext(ctx, s.log).Info(ctx, "tasks replaced", logging.Int("count", len(tasks)))
	return &emptypb.Empty{}, nil
}

// toStruct converts a JSON-serialisable value into a Struct by way of its JSON
// encoding, so gRPC and HTTP clients see the same field names.
func (s *Service) toStruct(ctx context.Context, v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("encode response: %w", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ToStatusError(fmt.Errorf("decode response: %w", err))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		logging.FromContext(ctx, s.log).Error(ctx, "response conversion failed", logging.Err(err))
		return nil, ToStatusError(err)
	}
	return out, nil
}
