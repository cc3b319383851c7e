package dserr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusByKind(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{Unauthorized("bad_jwt", "x"), http.StatusUnauthorized},
		{Forbidden("not_member", "x"), http.StatusForbidden},
		{BadRequest("invalid_body", "x"), http.StatusBadRequest},
		{Conflict("epoch_mismatch", "x"), http.StatusConflict},
		{NotFound("no_convo", "x"), http.StatusNotFound},
		{RateLimited("too_many", "x"), http.StatusTooManyRequests},
		{ServiceUnavailable("actor_timeout", "x"), http.StatusServiceUnavailable},
		{Internal("internal_error", "x"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		if got := tc.err.Status(); got != tc.want {
			t.Errorf("%s.Status() = %d, want %d", tc.err.Code, got, tc.want)
		}
	}
}

func TestAs(t *testing.T) {
	err := Conflict("epoch_mismatch", "epoch is stale")
	got, ok := As(err)
	if !ok || got != err {
		t.Fatalf("As() = %v, %v, want original error", got, ok)
	}

	if _, ok := As(errors.New("plain error")); ok {
		t.Error("As() should fail for a non-dserr error")
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, Forbidden("not_member", "caller is not a member"))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Error.Code != "not_member" {
		t.Errorf("code = %q, want %q", body.Error.Code, "not_member")
	}
}

func TestWriteJSON_OpaqueInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, errors.New("leaking db connection string"))

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Error.Message == "leaking db connection string" {
		t.Error("raw error text must not be exposed for non-dserr errors")
	}
}
