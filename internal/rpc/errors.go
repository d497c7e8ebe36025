package rpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/workload-simulator/internal/sim/controller"
	"github.com/signalsfoundry/workload-simulator/internal/sim/params"
)

// ErrNoStats is returned by GetStats before any iteration has completed.
var ErrNoStats = errors.New("no stats available yet")

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, params.ErrInvalidField),
		errors.Is(err, params.ErrInvalidTask):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNoStats):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, controller.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
