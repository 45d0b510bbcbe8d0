package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/micromdm/nanorollout/channel"
	"github.com/micromdm/nanorollout/workflow"
)

func TestSend(t *testing.T) {
	var (
		gotPath string
		gotCmd  channel.Command
		gotUser string
		gotPass string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := json.NewDecoder(r.Body).Decode(&gotCmd); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g, err := New(srv.URL+"/v1/commands", "secret")
	if err != nil {
		t.Fatal(err)
	}

	cmd := &channel.Command{
		ID:         channel.CommandID("wf1", channel.CommandUpdate),
		Type:       channel.CommandUpdate,
		DeviceID:   "dev1",
		TenantID:   "t1",
		WorkflowID: "wf1",
		Checksum:   "abc",
	}
	if err = g.Send(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}

	if have, want := gotPath, "/v1/commands/dev1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := gotCmd.ID, cmd.ID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := gotCmd.Checksum, "abc"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if gotUser != apiUsername || gotPass != "secret" {
		t.Errorf("unexpected credentials: %s:%s", gotUser, gotPass)
	}
}

func TestSendErrors(t *testing.T) {
	for _, tc := range []struct {
		code      int
		permanent bool
	}{
		{http.StatusNotFound, true},
		{http.StatusBadRequest, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		}))

		g, err := New(srv.URL, "")
		if err != nil {
			t.Fatal(err)
		}

		err = g.Send(context.Background(), &channel.Command{
			ID:       "c1",
			Type:     channel.CommandRevert,
			DeviceID: "dev1",
			TenantID: "t1",
		})
		srv.Close()
		if err == nil {
			t.Fatalf("%d: expected error", tc.code)
		}

		if have, want := IsStatus(err, tc.code), true; have != want {
			t.Errorf("%d: have: %v, want: %v", tc.code, have, want)
		}

		var wfErr *workflow.Error
		if have, want := errors.As(err, &wfErr) && wfErr.Kind == workflow.ErrorPermanent, tc.permanent; have != want {
			t.Errorf("%d: permanent: have: %v, want: %v", tc.code, have, want)
		}
	}
}

func TestNewInvalidURL(t *testing.T) {
	if _, err := New("not-a-url", ""); err == nil {
		t.Error("expected error")
	}
}
