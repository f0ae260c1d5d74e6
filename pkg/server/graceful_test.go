package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// TestGracefulServer_StopsOnContext tests that cancelling the context shuts the server down
func TestGracefulServer_StopsOnContext(t *testing.T) {
	gs := NewGracefulServer("127.0.0.1:0", okHandler(), logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Start(ctx, time.Second) }()

	deadline := time.Now().Add(2 * time.Second)
	for gs.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + gs.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	if !gs.IsShuttingDown() {
		t.Error("IsShuttingDown() = false after shutdown")
	}
}

// TestGracefulServer_ShutdownIdempotent tests that Shutdown can be called twice
func TestGracefulServer_ShutdownIdempotent(t *testing.T) {
	gs := NewGracefulServer("127.0.0.1:0", okHandler(), logging.NewNopLogger())
	if err := gs.Shutdown(time.Second); err != nil {
		t.Errorf("first Shutdown() = %v", err)
	}
	if err := gs.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
	select {
	case <-gs.ShutdownChannel():
	default:
		t.Error("shutdown channel not closed")
	}
}

// TestGracefulServer_ReloadConfig tests the ReloadConfig method
func TestGracefulServer_ReloadConfig(t *testing.T) {
	gs := NewGracefulServer(":0", okHandler(), logging.NewNopLogger())

	if err := gs.ReloadConfig(); err != nil {
		t.Errorf("ReloadConfig() without a func = %v, want nil", err)
	}

	reloadCalled := false
	gs.SetConfigReloadFunc(func() error {
		reloadCalled = true
		return nil
	})
	if err := gs.ReloadConfig(); err != nil {
		t.Errorf("ReloadConfig() error = %v", err)
	}
	if !reloadCalled {
		t.Error("Config reload function was not called")
	}
}

// TestGracefulServer_ReloadConfigWithError tests error handling during reload
func TestGracefulServer_ReloadConfigWithError(t *testing.T) {
	gs := NewGracefulServer(":0", okHandler(), logging.NewNopLogger())
	want := errors.New("bad config")
	gs.SetConfigReloadFunc(func() error { return want })

	if err := gs.ReloadConfig(); !errors.Is(err, want) {
		t.Errorf("ReloadConfig() error = %v, want %v", err, want)
	}
}
