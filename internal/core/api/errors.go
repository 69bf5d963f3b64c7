package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

// Error mapping between domain sentinels and gRPC status codes.
// Validation failures of a proposal are not errors on the wire; they travel
// in ProposeRuleSetResponse.Errors with status OK.

// toStatus converts a service error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, types.ErrRuleSetNotFound), errors.Is(err, types.ErrSchemaNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrSchemaUnavailable):
		code = codes.Unavailable
	case errors.Is(err, types.ErrInvalidSchema), errors.Is(err, types.ErrInvalidFieldPath):
		code = codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus restores the domain sentinel behind a status error so client
// callers can use errors.Is.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		if strings.Contains(st.Message(), types.ErrSchemaNotFound.Error()) {
			return fmt.Errorf("%w: %s", types.ErrSchemaNotFound, st.Message())
		}
		return fmt.Errorf("%w: %s", types.ErrRuleSetNotFound, st.Message())
	case codes.Unavailable:
		// Transport failures share the code.
		if strings.Contains(st.Message(), types.ErrSchemaUnavailable.Error()) {
			return fmt.Errorf("%w: %s", types.ErrSchemaUnavailable, st.Message())
		}
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}

// invalidArgument reports a malformed request.
func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
