//go:build integration

package integration

import (
	"net/http"
	"slices"
	"testing"
)

func TestProbes(t *testing.T) {
	for _, tt := range []struct {
		path string
		want []string
	}{
		{path: "/livez", want: []string{"ok"}},
		// The outbox check is optional and may report a backlog without
		// failing readiness.
		{path: "/readyz", want: []string{"ok", "degraded"}},
	} {
		t.Run(tt.path, func(t *testing.T) {
			resp := doGet(t, tt.path)
			defer resp.Body.Close()
			expectStatus(t, resp, http.StatusOK)

			body := decodeJSON[healthResponse](t, resp)
			if !slices.Contains(tt.want, body.Status) {
				t.Fatalf("status %q, want one of %v (checks: %v)", body.Status, tt.want, body.Checks)
			}
			for name := range body.Checks {
				if name == "postgres" || name == "redis" {
					t.Errorf("critical check %s reported: %s", name, body.Checks[name])
				}
			}
		})
	}
}

func TestProbes_NoAuthRequired(t *testing.T) {
	resp := do(t, http.MethodGet, "/readyz", "not-a-token", nil, nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
}
