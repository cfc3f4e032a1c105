package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"web/aqmap/cluster"
	"web/aqmap/mapview"
	"web/aqmap/render"
)

// classify folds view errors into the runner's error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, mapview.ErrClosed):
		return fmt.Errorf("%w: %w", ErrViewNotFound, err)
	case errors.Is(err, render.ErrMarkerNotFound), errors.Is(err, cluster.ErrClusterNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// toStatus converts a Service error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, mapview.ErrSuperseded):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// remoteError keeps the message of a status error while matching the local
// error kind it was converted from.
type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.kind }

// fromStatus converts a gRPC status error back into a Service error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind error
	switch st.Code() {
	case codes.NotFound:
		kind = ErrNotFound
		if strings.HasPrefix(st.Message(), ErrViewNotFound.Error()) {
			kind = ErrViewNotFound
		}
	case codes.InvalidArgument:
		kind = ErrInvalidArgument
	case codes.Aborted:
		kind = mapview.ErrSuperseded
	case codes.Canceled:
		kind = context.Canceled
	case codes.DeadlineExceeded:
		kind = context.DeadlineExceeded
	default:
		return err
	}
	return &remoteError{msg: st.Message(), kind: kind}
}
