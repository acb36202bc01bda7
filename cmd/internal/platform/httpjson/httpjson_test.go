package httpjson

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestError(t *testing.T) {
	rr := httptest.NewRecorder()
	Error(rr, http.StatusUnauthorized, "unauthenticated", "login required")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "unauthenticated" {
		t.Fatalf("code = %q", body.Error.Code)
	}
}

func TestDecode(t *testing.T) {
	type req struct {
		Email string `json:"email"`
	}
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"ok", `{"email":"a@b.c"}`, false},
		{"unknown field", `{"email":"a@b.c","x":1}`, true},
		{"trailing data", `{"email":"a@b.c"}{}`, true},
		{"too large", `{"email":"` + strings.Repeat("a", 200) + `"}`, true},
		{"not json", `nope`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst req
			err := Decode(httptest.NewRecorder(), r, 128, &dst)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
