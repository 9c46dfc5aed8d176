package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/clearance/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad request", model.NewBadRequestError("nope"), 400, model.ErrBadRequest},
		{"unauthorized", model.NewUnauthorizedError("nope"), 401, model.ErrUnauthorized},
		{"forbidden", model.NewForbiddenError("nope"), 403, model.ErrForbidden},
		{"not found", model.NewNotFoundError("nope"), 404, model.ErrNotFound},
		{"validation", model.NewValidationError("nope"), 422, model.ErrValidationError},
		{"internal", model.NewInternalError(), 500, model.ErrInternalError},
		{"backend unavailable", model.NewBackendUnavailableError(), 502, model.ErrBackendUnavailable},
		{"backend timeout", model.NewBackendTimeoutError(), 504, model.ErrBackendTimeout},
		{
			"capability required",
			&model.ErrorEnvelope{Code: model.ErrCapabilityRequired, Message: "CAPABILITY_REQUIRED: exports"},
			403,
			model.ErrCapabilityRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			var resp struct {
				Error *model.ErrorEnvelope `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", resp.Error.Code, tt.code)
			}
		})
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	wrapped := fmt.Errorf("fetch tenant policy: %w", model.NewBackendUnavailableError())

	w := httptest.NewRecorder()
	WriteError(w, wrapped)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 for wrapped envelope", w.Code)
	}
}

func TestWriteError_plainError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something broke"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var resp struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrInternalError {
		t.Errorf("code = %q, want INTERNAL_ERROR", resp.Error.Code)
	}
	if resp.Error.Message == "something broke" {
		t.Error("internal error details must not leak to clients")
	}
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w, "no such capability")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWriteForbidden(t *testing.T) {
	w := httptest.NewRecorder()
	WriteForbidden(w, "operator record inactive")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}
