//go:build !windows

package ipc

import (
	"context"
	"net"
	"os"
	"time"

	appErr "orbishost/pkg/errors"
)

// Server owns one Unix domain socket listener for one plugin. The
// socket lives at <socket_dir>/plugin-<name>.sock; any stale file from
// a previous run is removed before binding, and the file is removed
// again on Close.
type Server struct {
	plugin string
	cfg    Config
	ln     *net.UnixListener
	path   string
}

// NewServer binds the plugin's socket.
func NewServer(plugin string, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.SocketDir, 0o700); err != nil {
		return nil, appErr.Wrapf(err, appErr.SocketBindFailed, "create socket dir %s", cfg.SocketDir)
	}

	path := cfg.SocketPath(plugin)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, appErr.Wrapf(err, appErr.SocketBindFailed, "remove stale socket %s", path)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.SocketBindFailed)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SocketBindFailed, "bind %s", path)
	}

	return &Server{plugin: plugin, cfg: cfg, ln: ln, path: path}, nil
}

// Accept waits for the worker to connect. The context deadline bounds
// the wait, falling back to the configured timeout; a worker that
// never dials surfaces as IpcTimeout.
func (s *Server) Accept(ctx context.Context) (*Channel, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.cfg.Timeout())
	}
	if err := s.ln.SetDeadline(deadline); err != nil {
		return nil, appErr.Wrap(err, appErr.IpcError)
	}

	conn, err := s.ln.AcceptUnix()
	if err != nil {
		return nil, classifyIOError(err, "accept")
	}
	return NewChannel(conn, s.cfg), nil
}

// Endpoint returns the socket path workers dial.
func (s *Server) Endpoint() string {
	return s.path
}

// Close stops listening and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Connect dials a plugin socket from the worker side.
func Connect(ctx context.Context, endpoint string, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout())
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", endpoint)
	if err != nil {
		return nil, classifyIOError(err, "connect")
	}
	return NewChannel(conn, cfg), nil
}
