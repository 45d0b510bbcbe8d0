package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanorollout/campaign"
	"github.com/micromdm/nanorollout/engine/test"
	"github.com/micromdm/nanorollout/workflow"

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

func TestCampaignAPI(t *testing.T) {
	h := test.New(t)
	h.AddDevice(t, "dev-1", "t1")
	h.AddDevice(t, "dev-2", "t2")
	m := campaign.New(h.Store, h.Firmware, h.Registry, nil, campaign.WithClock(h.Clock.Now))

	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, m, h.Store, h.Receiver)

	for _, tc := range []struct {
		name string
		body string
		code int
	}{
		{"garbage", `{"tenant_id":`, http.StatusBadRequest},
		{"no devices", `{"tenant_id":"t1","firmware_id":"gw-2.4.1","device_ids":[]}`, http.StatusBadRequest},
		{"bad device id", `{"tenant_id":"t1","firmware_id":"gw-2.4.1","device_ids":["a b"]}`, http.StatusBadRequest},
		{"unknown firmware", `{"tenant_id":"t1","firmware_id":"gw-9.9.9","device_ids":["dev-1"]}`, http.StatusBadRequest},
		{"other tenant", `{"tenant_id":"t1","firmware_id":"gw-2.4.1","device_ids":["dev-1","dev-2"]}`, http.StatusForbidden},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, mux, "POST", "/v1/campaigns", tc.body)
			if have, want := w.Code, tc.code; have != want {
				t.Errorf("have: %v, want: %v: %s", have, want, w.Body.String())
			}
		})
	}

	body := `{"campaign_id":"c1","tenant_id":"t1","firmware_id":"gw-2.4.1","device_ids":["dev-1"]}`
	for i := 0; i < 2; i++ {
		w := do(t, mux, "POST", "/v1/campaigns", body)
		if have, want := w.Code, http.StatusCreated; have != want {
			t.Fatalf("have: %v, want: %v: %s", have, want, w.Body.String())
		}
		if have, want := strings.TrimSpace(w.Body.String()), `{"campaign_id":"c1"}`; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}

	w := do(t, mux, "POST", "/v1/campaigns", `{"campaign_id":"c1","tenant_id":"t1","firmware_id":"gw-2.4.1","device_ids":["dev-1","dev-3"]}`)
	if have, want := w.Code, http.StatusForbidden; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "GET", "/v1/campaigns/missing", "")
	if have, want := w.Code, http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "GET", "/v1/campaigns/c1", "")
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	a := new(campaign.Aggregate)
	if err := json.NewDecoder(w.Body).Decode(a); err != nil {
		t.Fatal(err)
	}
	if have, want := a.Status, workflow.CampaignRunning; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := a.Counts[campaign.CountRunning], 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(a.Devices), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "POST", "/v1/campaigns/c1/cancel", "")
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := strings.TrimSpace(w.Body.String()), `{"accepted":true}`; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "POST", "/v1/campaigns/missing/cancel", "")
	if have, want := w.Code, http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestWorkflowAPI(t *testing.T) {
	h := test.New(t)
	h.AddDevice(t, "dev-1", "t1")
	wf := h.Create(t, "c1", "dev-1", "t1")

	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, nil, h.Store, h.Receiver)

	// nothing dispatched yet
	w := do(t, mux, "POST", "/v1/reports", `{"device_id":"dev-1","status":"downloaded"}`)
	if have, want := w.Code, http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v: %s", have, want, w.Body.String())
	}

	w = do(t, mux, "POST", "/v1/reports", `{"device_id":"dev-1","status":"exploded"}`)
	if have, want := w.Code, http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	h.Drive(t, wf.ID)
	w = do(t, mux, "POST", "/v1/reports", `{"device_id":"dev-1","status":"downloaded","checksum":"`+test.Checksum+`"}`)
	if have, want := w.Code, http.StatusAccepted; have != want {
		t.Errorf("have: %v, want: %v: %s", have, want, w.Body.String())
	}
	h.Drive(t, wf.ID)

	w = do(t, mux, "GET", "/v1/workflows/"+wf.ID, "")
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	got := new(workflow.Workflow)
	if err := json.NewDecoder(w.Body).Decode(got); err != nil {
		t.Fatal(err)
	}
	if have, want := got.State, workflow.StateApplying; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "GET", "/v1/workflows/missing", "")
	if have, want := w.Code, http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "GET", "/v1/devices/dev-1/workflows", "")
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	var wfs []*workflow.Workflow
	if err := json.NewDecoder(w.Body).Decode(&wfs); err != nil {
		t.Fatal(err)
	}
	if have, want := len(wfs), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := wfs[0].ID, wf.ID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = do(t, mux, "GET", "/v1/devices/dev-9/workflows", "")
	if have, want := strings.TrimSpace(w.Body.String()), `[]`; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// no campaign manager
	w = do(t, mux, "GET", "/v1/campaigns/c1", "")
	if have, want := w.Code, http.StatusInternalServerError; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
