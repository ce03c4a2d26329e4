package http

import (
	"context"
	"net"
	gohttp "net/http"
	"testing"
	"time"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	return ln
}

func TestServerStartsAndAcceptsRequests(t *testing.T) {
	srv := NewServer(NewAPI(&recordingTOTP{}).Handler())

	ln := listen(t)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeOn(ctx, ln) }()

	resp, err := gohttp.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != gohttp.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, gohttp.StatusOK)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("ServeOn() error = %v", err)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	slow := gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(gohttp.StatusOK)
	})

	srv := NewServer(slow, WithShutdownTimeout(5*time.Second))

	ln := listen(t)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeOn(ctx, ln) }()

	responseCh := make(chan int, 1)
	go func() {
		resp, err := gohttp.Get("http://" + addr + "/")
		if err != nil {
			responseCh <- 0
			return
		}
		defer resp.Body.Close()
		responseCh <- resp.StatusCode
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	status := <-responseCh
	if status != gohttp.StatusOK {
		t.Errorf("slow request status = %d, want %d", status, gohttp.StatusOK)
	}
	if err := <-done; err != nil {
		t.Errorf("ServeOn() error = %v", err)
	}
}

func TestServerFunctionalOptions(t *testing.T) {
	srv := NewServer(gohttp.NotFoundHandler(),
		WithAddr(":9999"),
		WithTimeouts(time.Second, 2*time.Second),
		WithShutdownTimeout(10*time.Second),
	)

	if srv.config.Addr != ":9999" {
		t.Errorf("addr = %q, want %q", srv.config.Addr, ":9999")
	}
	if srv.httpServer.ReadTimeout != time.Second {
		t.Errorf("read timeout = %v, want %v", srv.httpServer.ReadTimeout, time.Second)
	}
	if srv.httpServer.WriteTimeout != 2*time.Second {
		t.Errorf("write timeout = %v, want %v", srv.httpServer.WriteTimeout, 2*time.Second)
	}
	if srv.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v, want %v", srv.config.ShutdownTimeout, 10*time.Second)
	}
}
