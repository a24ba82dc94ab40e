//go:build windows

package ipc

import (
	"context"

	appErr "orbishost/pkg/errors"
)

// Named-pipe transport is not implemented; Windows hosts get a clear
// error instead of a half-working socket emulation.

type Server struct{}

func NewServer(plugin string, cfg Config) (*Server, error) {
	return nil, appErr.New(appErr.UnsupportedPlatform).WithMessage("named pipe transport not implemented")
}

func (s *Server) Accept(ctx context.Context) (*Channel, error) {
	return nil, appErr.New(appErr.UnsupportedPlatform).WithMessage("named pipe transport not implemented")
}

func (s *Server) Endpoint() string { return "" }

func (s *Server) Close() error { return nil }

func Connect(ctx context.Context, endpoint string, cfg Config) (*Channel, error) {
	return nil, appErr.New(appErr.UnsupportedPlatform).WithMessage("named pipe transport not implemented")
}
