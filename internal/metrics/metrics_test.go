package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthEndpoints(t *testing.T) {
	m := New()
	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/live")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/health/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready before listener bound = %d", resp.StatusCode)
	}

	m.SetReady(true)
	resp, err = http.Get(ts.URL + "/health/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready = %d", resp.StatusCode)
	}
}

func TestServeShutsDownCleanly(t *testing.T) {
	m := New()
	srv := Serve("127.0.0.1:0", m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCommandMetricsExposed(t *testing.T) {
	m := New()
	m.ObserveCommand("ADD", "NoError", time.Now())
	m.SessionsActive.Inc()

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)
	if !strings.Contains(text, `docstore_commands_total{cmd="ADD",error="NoError"} 1`) {
		t.Error("commands counter missing")
	}
	if !strings.Contains(text, "docstore_sessions_active 1") {
		t.Error("sessions gauge missing")
	}
}
