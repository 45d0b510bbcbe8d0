package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/subsystem/firmware/storage/inmem"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

const body = `{"version":"2.4.1","location":"https://cdn.example.com/gw/2.4.1.bin","checksum":"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08","size":1048576}`

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestFirmwareAPI(t *testing.T) {
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, inmem.New())

	w := do(t, mux, "GET", "/v1/firmware/gw-2.4.1", "")
	if have, want := w.Code, http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "PUT", "/v1/firmware/gw-2.4.1", body)
	if have, want := w.Code, http.StatusNoContent; have != want {
		t.Fatalf("have: %v, want: %v: %s", have, want, w.Body.String())
	}

	// identical re-registration is fine
	w = do(t, mux, "PUT", "/v1/firmware/gw-2.4.1", body)
	if have, want := w.Code, http.StatusNoContent; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// but changing it is not
	w = do(t, mux, "PUT", "/v1/firmware/gw-2.4.1", strings.Replace(body, "1048576", "1", 1))
	if have, want := w.Code, http.StatusConflict; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "GET", "/v1/firmware/gw-2.4.1", "")
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	f := new(storage.Firmware)
	if err := json.NewDecoder(w.Body).Decode(f); err != nil {
		t.Fatal(err)
	}
	if have, want := f.Size, int64(1048576); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "GET", "/v1/firmware", "")
	var list []*storage.Firmware
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if have, want := len(list), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestStoreFirmwareInvalid(t *testing.T) {
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, inmem.New())

	for _, tc := range []struct {
		name string
		path string
		body string
	}{
		{"garbage", "/v1/firmware/a", `{`},
		{"mismatched id", "/v1/firmware/a", `{"firmware_id":"b"}`},
		{"bad version", "/v1/firmware/a", strings.Replace(body, "2.4.1\"", "two\"", 1)},
		{"missing checksum", "/v1/firmware/a", `{"version":"1.0.0","location":"https://x/a","size":1}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, mux, "PUT", tc.path, tc.body)
			if have, want := w.Code, http.StatusBadRequest; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}
}
