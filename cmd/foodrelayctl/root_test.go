package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method, path, query, user, apiKey string
	body                              map[string]any
}

// stub records every request and answers from routes keyed by "METHOD /path".
func stub(t *testing.T, routes map[string]string) (*httptest.Server, func() []seen) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []seen
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{
			method: r.Method, path: r.URL.Path, query: r.URL.RawQuery,
			user: r.Header.Get("X-User-Id"), apiKey: r.Header.Get("X-Api-Key"),
		}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &s.body)
		}
		mu.Lock()
		got = append(got, s)
		mu.Unlock()

		resp, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no such route"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(ts.Close)
	return ts, func() []seen {
		mu.Lock()
		defer mu.Unlock()
		return append([]seen(nil), got...)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_DonationsList(t *testing.T) {
	ts, requests := stub(t, map[string]string{
		"GET /donations": `{"donations":[{"id":"d1","status":"available"}]}`,
	})

	out, err := execute(t, "--url", ts.URL, "--user", "ngo-1", "--api-key", "k3y",
		"donations", "list", "--status", "available", "--mine")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "d1"`)

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "ngo-1", got[0].user)
	assert.Equal(t, "k3y", got[0].apiKey)
	assert.Contains(t, got[0].query, "status=available")
	assert.Contains(t, got[0].query, "mine=true")
}

func TestCLI_DonationsCreate(t *testing.T) {
	ts, requests := stub(t, map[string]string{
		"POST /donations": `{"id":"d1","status":"available"}`,
	})

	_, err := execute(t, "--url", ts.URL, "--user", "donor-1",
		"donations", "create", "--food-type", "cooked", "--quantity", "12",
		"--unit", "plates", "--address", "5 Market Road", "--lat", "18.52", "--lng", "73.85")
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 1)
	body := got[0].body
	assert.Equal(t, "cooked", body["food_type"])
	assert.EqualValues(t, 12, body["quantity"])
	assert.NotEmpty(t, body["expiry_time"])
	loc, ok := body["pickup_location"].(map[string]any)
	require.True(t, ok, "pickup_location must be sent when --lat/--lng are set")
	assert.InDelta(t, 18.52, loc["lat"], 1e-9)
}

func TestCLI_DonationsCreateRequiresFlags(t *testing.T) {
	ts, requests := stub(t, nil)
	_, err := execute(t, "--url", ts.URL, "donations", "create", "--food-type", "cooked")
	require.Error(t, err)
	assert.Empty(t, requests())
}

func TestCLI_AdvanceAndDecline(t *testing.T) {
	ts, requests := stub(t, map[string]string{
		"POST /deliveries/v1/advance": `{"delivery":{"id":"v1","status":"picked_up"}}`,
		"POST /deliveries/v1/decline": `{"delivery":{"id":"v1","status":"cancelled"}}`,
	})

	out, err := execute(t, "--url", ts.URL, "--user", "rider-1",
		"deliveries", "advance", "v1", "--to", "picked_up", "--proof", "https://img/1.jpg")
	require.NoError(t, err)
	assert.Contains(t, out, "picked_up")

	_, err = execute(t, "--url", ts.URL, "--user", "rider-1", "deliveries", "decline", "v1", "--reason", "flat tyre")
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 2)
	assert.Equal(t, "picked_up", got[0].body["status"])
	assert.Equal(t, "https://img/1.jpg", got[0].body["proof"])
	assert.Equal(t, "flat tyre", got[1].body["reason"])
}

func TestCLI_ServerErrorIsReturned(t *testing.T) {
	ts, _ := stub(t, nil)
	_, err := execute(t, "--url", ts.URL, "--user", "ngo-1", "donations", "claim", "d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCLI_StatsAdminFlag(t *testing.T) {
	ts, requests := stub(t, map[string]string{
		"GET /stats/admin": `{"total_users":3}`,
		"GET /stats/me":    `{"role":"donor"}`,
	})
	_, err := execute(t, "--url", ts.URL, "--user", "admin", "stats", "--admin")
	require.NoError(t, err)
	_, err = execute(t, "--url", ts.URL, "--user", "donor-1", "stats")
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 2)
	assert.Equal(t, "/stats/admin", got[0].path)
	assert.Equal(t, "/stats/me", got[1].path)
}

func TestCLI_EnvironmentSuppliesFlags(t *testing.T) {
	ts, requests := stub(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})
	t.Setenv("FOODRELAY_URL", ts.URL)
	t.Setenv("FOODRELAY_USER", "ops")

	_, err := execute(t, "health")
	require.NoError(t, err)
	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "ops", got[0].user)
}

func TestCLI_RejectsBadSettings(t *testing.T) {
	_, err := execute(t, "--url", "ftp://example.com", "health")
	assert.ErrorContains(t, err, "scheme")

	_, err = execute(t, "--log-level", "chatty", "health")
	assert.ErrorContains(t, err, "invalid log level")
}
