// Package handler implements the HTTP endpoints over the account service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.Precondition("invalid request body: %v", err)
	}
	return nil
}

// positionID parses the {id} path segment.
func positionID(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.Precondition("position id %q is not a non-negative integer", raw)
	}
	return id, nil
}

// statusFor maps an error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrPreconditionFailed), errors.Is(err, domain.ErrUnknownAccount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOperationInFlight),
		errors.Is(err, domain.ErrOutcomeUnknown),
		errors.Is(err, domain.ErrStaleContext):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRevert),
		errors.Is(err, domain.ErrInsufficientGasLimit),
		errors.Is(err, domain.ErrTransactionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInclusionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeResult writes an operation result with the status of its error.
func writeResult(w http.ResponseWriter, res domain.Result, err error) {
	writeJSON(w, statusFor(err), res)
}

// writeFailure writes err as {"error": ...} with its mapped status.
func writeFailure(w http.ResponseWriter, err error) {
	var pre *domain.PreconditionError
	msg := err.Error()
	if errors.As(err, &pre) {
		msg = pre.Reason
	}
	writeError(w, statusFor(err), msg)
}
