package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/manet-harness/internal/scenario"
)

// ErrNoStore is returned by ListRuns when the server has no result store.
var ErrNoStore = errors.New("no result store configured")

// ToStatusError maps harness errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, scenario.ErrConfiguration),
		errors.Is(err, scenario.ErrUnknownPreset),
		errors.Is(err, errInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, scenario.ErrInvalidTransition),
		errors.Is(err, ErrNoStore):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, scenario.ErrEngineFailure):
		return status.Error(codes.Aborted, err.Error())

	case errors.Is(err, ErrBusy):
		return status.Error(codes.ResourceExhausted, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
