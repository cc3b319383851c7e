package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/amityvox/deliveryservice/internal/models"
)

func TestCorsMiddleware(t *testing.T) {
	handler := corsMiddleware([]string{"https://example.com"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if acao := w.Header().Get("Access-Control-Allow-Origin"); acao != "https://example.com" {
		t.Errorf("ACAO = %q, want %q", acao, "https://example.com")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req2.Header.Set("Origin", "https://evil.com")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if acao := w2.Header().Get("Access-Control-Allow-Origin"); acao != "" {
		t.Errorf("ACAO should be empty for disallowed origin, got %q", acao)
	}
}

func TestCorsMiddleware_Preflight(t *testing.T) {
	handler := corsMiddleware([]string{"*"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestCorsMiddleware_NoOrigin(t *testing.T) {
	called := false
	handler := corsMiddleware([]string{"*"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called when no origin header")
	}
	if acao := w.Header().Get("Access-Control-Allow-Origin"); acao != "" {
		t.Errorf("ACAO should be empty when no origin, got %q", acao)
	}
}

func TestMaxBodySize(t *testing.T) {
	handler := maxBodySize(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := r.Body.Read(make([]byte, 32))
		if err == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("this body is far longer than ten bytes"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestStreamRegistry(t *testing.T) {
	reg := newStreamRegistry()
	did := "did:web:example.com#device-1"
	ch := make(chan models.EventStreamEntry, 1)

	if got := reg.channelsFor(did); len(got) != 0 {
		t.Fatalf("channelsFor on empty registry = %v, want none", got)
	}

	reg.register(did, ch)
	got := reg.channelsFor(did)
	if len(got) != 1 || got[0] != ch {
		t.Fatalf("channelsFor after register = %v, want [ch]", got)
	}

	reg.unregister(did, ch)
	if got := reg.channelsFor(did); len(got) != 0 {
		t.Fatalf("channelsFor after unregister = %v, want none", got)
	}
	if _, ok := reg.subs[did]; ok {
		t.Error("empty subscriber set should be pruned from the registry")
	}
}

func TestStreamRegistry_MultipleConnectionsPerDID(t *testing.T) {
	reg := newStreamRegistry()
	did := "did:web:example.com#device-1"
	ch1 := make(chan models.EventStreamEntry, 1)
	ch2 := make(chan models.EventStreamEntry, 1)

	reg.register(did, ch1)
	reg.register(did, ch2)

	got := reg.channelsFor(did)
	if len(got) != 2 {
		t.Fatalf("channelsFor = %d channels, want 2", len(got))
	}

	reg.unregister(did, ch1)
	got = reg.channelsFor(did)
	if len(got) != 1 || got[0] != ch2 {
		t.Fatalf("channelsFor after unregistering one = %v, want [ch2]", got)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	entry := models.EventStreamEntry{
		Cursor:  models.NewULID(),
		ConvoID: "convo1",
		Kind:    models.EventKind("message"),
		Payload: []byte(`{"ok":true}`),
	}

	if !writeSSEEvent(w, entry) {
		t.Fatal("writeSSEEvent returned false for a healthy writer")
	}

	body := w.Body.String()
	if want := "id: " + entry.Cursor.String(); !strings.Contains(body, want) {
		t.Errorf("body missing %q, got %q", want, body)
	}
	if want := "event: message"; !strings.Contains(body, want) {
		t.Errorf("body missing %q, got %q", want, body)
	}
}
