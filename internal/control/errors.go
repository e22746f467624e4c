package control

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/geospatial-session/internal/session"
	"github.com/signalsfoundry/geospatial-session/model"
)

// ErrInvalidRequest marks a request body the API could not accept.
var ErrInvalidRequest = errors.New("invalid request")

// HTTPStatus maps session errors onto HTTP status codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrQuotaExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrNoSurfaceAtLocation),
		errors.Is(err, model.ErrUnknownAnchorType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotLocalized):
		return http.StatusPreconditionFailed
	case errors.Is(err, model.ErrResolutionFailed):
		return http.StatusBadGateway
	case session.IsFatal(err), errors.Is(err, model.ErrSessionTerminated):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ToStatusError maps session errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, model.ErrUnknownAnchorType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrQuotaExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, model.ErrNoSurfaceAtLocation),
		errors.Is(err, model.ErrNotLocalized):
		return status.Error(codes.FailedPrecondition, err.Error())
	case session.IsFatal(err), errors.Is(err, model.ErrSessionTerminated):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
