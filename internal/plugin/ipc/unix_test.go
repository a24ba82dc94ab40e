//go:build !windows

package ipc_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"orbishost/internal/plugin/ipc"
	appErr "orbishost/pkg/errors"
)

func testConfig(t *testing.T) ipc.Config {
	t.Helper()
	cfg := ipc.DefaultConfig()
	cfg.SocketDir = t.TempDir()
	return cfg
}

func TestServer_Endpoint(t *testing.T) {
	cfg := testConfig(t)
	srv, err := ipc.NewServer("echo", cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer srv.Close()

	if !strings.HasSuffix(srv.Endpoint(), "plugin-echo.sock") {
		t.Errorf("Endpoint() = %s, want plugin-echo.sock suffix", srv.Endpoint())
	}
	if _, err := os.Stat(srv.Endpoint()); err != nil {
		t.Errorf("socket file should exist: %v", err)
	}
}

func TestServer_AcceptAndExchange(t *testing.T) {
	cfg := testConfig(t)
	srv, err := ipc.NewServer("echo", cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		ch, err := srv.Accept(context.Background())
		if err != nil {
			done <- err
			return
		}
		defer ch.Close()

		msg, err := ch.Recv(context.Background())
		if err != nil {
			done <- err
			return
		}
		if _, ok := msg.(*ipc.Ping); !ok {
			t.Errorf("server got %T, want *ipc.Ping", msg)
		}
		done <- ch.Send(context.Background(), &ipc.Pong{})
	}()

	worker, err := ipc.Connect(context.Background(), srv.Endpoint(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer worker.Close()

	if err := worker.Send(context.Background(), &ipc.Ping{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := worker.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if _, ok := reply.(*ipc.Pong); !ok {
		t.Errorf("worker got %T, want *ipc.Pong", reply)
	}
	if err := <-done; err != nil {
		t.Fatalf("server side error = %v", err)
	}
}

func TestServer_AcceptTimeout(t *testing.T) {
	cfg := testConfig(t)
	srv, err := ipc.NewServer("lonely", cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := srv.Accept(ctx); !appErr.Is(err, appErr.IpcTimeout) {
		t.Errorf("no worker should yield IpcTimeout, got %v", err)
	}
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	cfg := testConfig(t)

	stale := cfg.SocketPath("echo")
	if err := os.WriteFile(stale, nil, 0o600); err != nil {
		t.Fatalf("stage stale socket: %v", err)
	}

	srv, err := ipc.NewServer("echo", cfg)
	if err != nil {
		t.Fatalf("NewServer() over stale socket error = %v", err)
	}
	srv.Close()
}

func TestServer_CloseRemovesSocket(t *testing.T) {
	cfg := testConfig(t)
	srv, err := ipc.NewServer("echo", cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	path := srv.Endpoint()
	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file should be removed on close, stat err = %v", err)
	}
}

func TestConnect_NoServer(t *testing.T) {
	cfg := testConfig(t)
	if _, err := ipc.Connect(context.Background(), cfg.SocketPath("ghost"), cfg); err == nil {
		t.Error("dialing a missing socket should fail")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := ipc.DefaultConfig()
	if cfg.SocketDir != ipc.DefaultSocketDir {
		t.Errorf("SocketDir = %s, want %s", cfg.SocketDir, ipc.DefaultSocketDir)
	}
	if cfg.TimeoutMs != 5000 {
		t.Errorf("TimeoutMs = %d, want 5000", cfg.TimeoutMs)
	}
	if cfg.BufferSize != 65536 {
		t.Errorf("BufferSize = %d, want 65536", cfg.BufferSize)
	}
	if cfg.Timeout() != 5*time.Second {
		t.Errorf("Timeout() = %v, want 5s", cfg.Timeout())
	}
	if got := cfg.SocketPath("echo"); got != "/tmp/orbis-plugins/plugin-echo.sock" {
		t.Errorf("SocketPath() = %s", got)
	}
}
