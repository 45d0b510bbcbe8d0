package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanorollout/subsystem/registry/storage"
	"github.com/micromdm/nanorollout/subsystem/registry/storage/inmem"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestDeviceAPI(t *testing.T) {
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, inmem.New())

	w := do(t, mux, "GET", "/v1/devices", "")
	if have, want := w.Code, http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "PUT", "/v1/devices/dev-1", `{"tenant_id":"t1","online":true}`)
	if have, want := w.Code, http.StatusNoContent; have != want {
		t.Fatalf("have: %v, want: %v: %s", have, want, w.Body.String())
	}

	w = do(t, mux, "PUT", "/v1/devices/dev-1", `{"tenant_id":"t2"}`)
	if have, want := w.Code, http.StatusConflict; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "PUT", "/v1/devices/dev-1", `{"device_id":"dev-2","tenant_id":"t1"}`)
	if have, want := w.Code, http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "PUT", "/v1/devices/dev-3", `{}`)
	if have, want := w.Code, http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "GET", "/v1/devices?id=dev-1&id=dev-3", "")
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	var devices map[string]*storage.Device
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if have, want := len(devices), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := devices["dev-1"].TenantID, "t1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := devices["dev-1"].Online, true; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
