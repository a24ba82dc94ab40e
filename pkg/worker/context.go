package worker

import (
	"context"
	"time"

	"orbishost/internal/plugin/ipc"
	appErr "orbishost/pkg/errors"
)

// ContextClient gives handlers access to the plugin's host-side
// context store. Every call is a request/response round trip over the
// plugin socket, correlated by request id, so handlers may call it
// concurrently.
type ContextClient struct {
	w *Worker
}

// Get fetches one context value. found is false for an absent key,
// which is distinct from a stored empty value.
func (c *ContextClient) Get(ctx context.Context, key string) (data []byte, found bool, err error) {
	id := ipc.NextRequestID()
	resp, err := c.roundTrip(ctx, id, &ipc.ContextGet{RequestID: id, Key: key})
	if err != nil {
		return nil, false, err
	}
	r := resp.(*ipc.ContextGetResponse)
	if r.Error != "" {
		return nil, false, appErr.New(appErr.Forbidden).WithMessage(r.Error)
	}
	return r.Data, r.Found, nil
}

// Set stores one context value.
func (c *ContextClient) Set(ctx context.Context, key string, data []byte) error {
	id := ipc.NextRequestID()
	resp, err := c.roundTrip(ctx, id, &ipc.ContextSet{RequestID: id, Key: key, Data: data})
	if err != nil {
		return err
	}
	if r := resp.(*ipc.ContextSetResponse); r.Error != "" {
		return appErr.New(appErr.Forbidden).WithMessage(r.Error)
	}
	return nil
}

// Has reports whether a context key exists. Keys the plugin may not
// read report as absent.
func (c *ContextClient) Has(ctx context.Context, key string) (bool, error) {
	id := ipc.NextRequestID()
	resp, err := c.roundTrip(ctx, id, &ipc.ContextHas{RequestID: id, Key: key})
	if err != nil {
		return false, err
	}
	return resp.(*ipc.ContextHasResponse).Exists, nil
}

func (c *ContextClient) roundTrip(ctx context.Context, id uint64, req ipc.Message) (ipc.Message, error) {
	wait := c.w.expect(id)
	defer c.w.forget(id)

	if err := c.w.channel.Send(ctx, req); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		timeout := c.w.cfg.IPC.Timeout()
		if timeout <= 0 {
			timeout = ipc.DefaultTimeoutMs * time.Millisecond
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case msg := <-wait:
		return msg, nil
	case <-c.w.done:
		return nil, appErr.Newf(appErr.ConnectionClosed, "worker stopped while waiting for %s", req.Kind())
	case <-ctx.Done():
		return nil, appErr.Wrapf(ctx.Err(), appErr.IpcTimeout, "no response to %s", req.Kind())
	}
}
