package http

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	w.Write(b)
}

func TestDumpHandler(t *testing.T) {
	out := new(bytes.Buffer)
	h := DumpHandler(http.HandlerFunc(echoHandler), out)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook", strings.NewReader(`{"topic":"x"}`)))

	if have, want := rec.Code, http.StatusOK; have != want {
		t.Errorf("status: have %d, want %d", have, want)
	}
	// the next handler still sees the whole body
	if have, want := rec.Body.String(), `{"topic":"x"}`; have != want {
		t.Errorf("body: have %q, want %q", have, want)
	}
	if have, want := out.String(), "POST /webhook\n{\"topic\":\"x\"}\n"; have != want {
		t.Errorf("dump: have %q, want %q", have, want)
	}
}

func TestMaxBodyHandler(t *testing.T) {
	h := MaxBodyHandler(http.HandlerFunc(echoHandler), 4)

	for _, tc := range []struct {
		body string
		code int
	}{
		{"abcd", http.StatusOK},
		{"abcde", http.StatusRequestEntityTooLarge},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader(tc.body)))
		if have, want := rec.Code, tc.code; have != want {
			t.Errorf("%q: have %d, want %d", tc.body, have, want)
		}
	}
}
