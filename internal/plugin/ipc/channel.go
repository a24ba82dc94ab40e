package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	appErr "orbishost/pkg/errors"
)

// Channel is one message stream between the host and a worker. Send
// and Recv are each safe for one concurrent caller; Request holds both
// directions, so callers that multiplex requests over a shared channel
// serialize them (the process manager does this per plugin).
type Channel struct {
	cfg  Config
	conn net.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewChannel wraps an established connection.
func NewChannel(conn net.Conn, cfg Config) *Channel {
	return &Channel{cfg: cfg.withDefaults(), conn: conn}
}

// Send writes one message. The context deadline bounds the write,
// falling back to the configured timeout.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return appErr.Wrap(err, appErr.IpcError)
	}
	if err := WriteFrame(c.conn, msg, c.cfg.BufferSize); err != nil {
		return classifyIOError(err, "send")
	}
	return nil
}

// Recv reads one message. A peer that went away surfaces as a
// ConnectionClosed error; a peer that is merely slow surfaces as
// IpcTimeout, so the caller can retry rather than tear down.
func (c *Channel) Recv(ctx context.Context) (Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if err := c.conn.SetReadDeadline(c.deadline(ctx)); err != nil {
		return nil, appErr.Wrap(err, appErr.IpcError)
	}
	msg, err := ReadFrame(c.conn, c.cfg.BufferSize)
	if err != nil {
		return nil, classifyIOError(err, "recv")
	}
	return msg, nil
}

// Request sends one message and waits for the next inbound message.
func (c *Channel) Request(ctx context.Context, msg Message) (Message, error) {
	if err := c.Send(ctx, msg); err != nil {
		return nil, err
	}
	return c.Recv(ctx)
}

// Close shuts the stream down. Safe to call more than once.
func (c *Channel) Close() error {
	err := c.conn.Close()
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Channel) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.cfg.Timeout())
}

// classifyIOError maps transport failures onto the error taxonomy the
// process manager keys its recovery on: timeouts are retryable,
// closed connections mean the worker is gone, protocol and decode
// errors pass through coded.
func classifyIOError(err error, op string) error {
	var coded *appErr.Error
	if errors.As(err, &coded) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return appErr.Wrapf(err, appErr.IpcTimeout, "%s timed out", op)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return appErr.Wrapf(err, appErr.ConnectionClosed, "%s: connection closed", op)
	}
	return appErr.Wrapf(err, appErr.IpcError, "%s failed", op)
}
