package pprof

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"instapilot/pkg/logx"
)

func TestNormalizePrefix(t *testing.T) {
	cases := map[string]string{
		"":             "/debug/pprof/",
		"/debug/pprof": "/debug/pprof/",
		"debug/pprof/": "/debug/pprof/",
		"/internal/pp": "/internal/pp/",
		"  /x/  ":      "/x/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	loop := []string{"127.0.0.1:6060", "localhost:6060", "[::1]:6060"}
	for _, a := range loop {
		if !isLoopbackAddr(a) {
			t.Errorf("expected %q to count as loopback", a)
		}
	}
	open := []string{"0.0.0.0:6060", ":6060", "10.0.0.5:6060", "not-an-addr"}
	for _, a := range open {
		if isLoopbackAddr(a) {
			t.Errorf("expected %q to count as non-loopback", a)
		}
	}
}

func TestMuxRequiresTokenWhenConfigured(t *testing.T) {
	s := New(Config{}, logx.Nop())
	mux := s.mux(Config{Token: "s3cret"})

	get := func(path, authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	if rec := get("/debug/pprof/", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if rec := get("/debug/pprof/?token=wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec := get("/debug/pprof/?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: status = %d, want 200", rec.Code)
	}
	if rec := get("/debug/pprof/", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer token: status = %d, want 200", rec.Code)
	}
}

func TestServeOnceRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure bind refused") {
		t.Fatalf("serveOnce error = %v, want insecure bind refusal", err)
	}
}

func TestStartServesIndexAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	addr := waitListener(t, s)

	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("GET index: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index status = %d, want 200", resp.StatusCode)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	s.Stop(sctx)

	if _, err := http.Get("http://" + addr.String() + "/debug/pprof/"); err == nil {
		t.Fatal("expected request to fail after Stop")
	}
}

func waitListener(t *testing.T, s *Service) net.Addr {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		ln := s.ln
		s.mu.Unlock()
		if ln != nil {
			return ln.Addr()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener never came up")
	return nil
}
