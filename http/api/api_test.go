package api

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

type testRequest struct {
	ID    string   `json:"id" validate:"required,id"`
	Items []string `json:"items" validate:"required,min=1,dive,id"`
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		name  string
		body  string
		valid bool
	}{
		{"valid", `{"id":"t1","items":["a","b.c"]}`, true},
		{"missing id", `{"items":["a"]}`, false},
		{"bad id", `{"id":"has space","items":["a"]}`, false},
		{"empty items", `{"id":"t1","items":[]}`, false},
		{"bad item", `{"id":"t1","items":["a/b"]}`, false},
		{"garbage", `{"id":`, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", strings.NewReader(tc.body))
			err := Decode(r, new(testRequest))
			if have, want := err == nil, tc.valid; have != want {
				t.Errorf("have: %v, want: %v (%v)", have, want, err)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got: %v", err)
			}
		})
	}
}

func TestJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	JSONError(w, errors.New("boom"), 0)
	if have, want := w.Code, 500; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := strings.TrimSpace(w.Body.String()), `{"error":"boom"}`; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
