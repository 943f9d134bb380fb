package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/registry"
	"github.com/vinayprograms/taskqueue/tasks"
	"github.com/vinayprograms/taskqueue/transport"
)

// errorBody is the JSON shape of every HTTP error response.
type errorBody struct {
	Error *qerrors.Error `json:"error"`
}

// typed returns err as a queue error, classifying foreign errors as
// internal.
func typed(err error) *qerrors.Error {
	var qErr *qerrors.Error
	if errors.As(err, &qErr) {
		return qErr
	}
	return qerrors.Wrap(err, "internal error")
}

// registryError maps registry sentinels onto queue errors.
func registryError(err error, scalerID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrInvalidID):
		return qerrors.InvalidArgument("scaler_id", "1-128 characters from [A-Za-z0-9_.=-], starting alphanumeric")
	case errors.Is(err, tasks.ErrNotFound):
		return qerrors.ScalerNotFound(scalerID)
	case errors.Is(err, registry.ErrClosed):
		return qerrors.WrapWithCode(err, qerrors.ErrCodeUnavailable, "registry closed")
	}
	return tasks.WrapStoreError(err, "registry")
}

// httpStatus returns the HTTP status for an error code.
func httpStatus(code qerrors.ErrorCode) int {
	switch code {
	case qerrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case qerrors.ErrCodeTaskNotFound, qerrors.ErrCodeScalerNotFound:
		return http.StatusNotFound
	case qerrors.ErrCodeConflict:
		return http.StatusConflict
	case qerrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case qerrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case qerrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// rpcCode returns the JSON-RPC error code for an error code.
func rpcCode(code qerrors.ErrorCode) int {
	switch code {
	case qerrors.ErrCodeInvalidInput:
		return transport.InvalidParams
	case qerrors.ErrCodeTaskNotFound, qerrors.ErrCodeScalerNotFound:
		return transport.NotFound
	case qerrors.ErrCodeConflict:
		return transport.Conflict
	case qerrors.ErrCodeRateLimited:
		return transport.RateLimited
	}
	return transport.InternalError
}

// rpcError converts a queue error into a JSON-RPC error carrying the
// typed error as data.
func rpcError(err error) *transport.Error {
	var rpcErr *transport.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	qErr := typed(err)
	return &transport.Error{
		Code:    rpcCode(qErr.Code()),
		Message: qErr.Message(),
		Data:    qErr,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	qErr := typed(err)
	if ms, ok := qErr.Metadata()["retry_after_ms"]; ok {
		// Retry-After is in whole seconds; round up so clients never retry early.
		if n, perr := strconv.ParseInt(ms, 10, 64); perr == nil {
			w.Header().Set("Retry-After", strconv.FormatInt((n+999)/1000, 10))
		}
	}
	writeJSON(w, httpStatus(qErr.Code()), errorBody{Error: qErr})
}
