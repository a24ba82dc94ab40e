package ipc

import (
	"github.com/fxamacker/cbor/v2"

	appErr "orbishost/pkg/errors"
)

// HookContext is the request envelope a hook invocation carries. It
// rides inside ExecuteHook.Data so the wire variant itself stays
// opaque; host and worker agree on this shape, nothing else does.
type HookContext struct {
	UserID    int64           `cbor:"user_id,omitempty"`
	IsAdmin   bool            `cbor:"is_admin,omitempty"`
	RequestID string          `cbor:"request_id,omitempty"`
	Body      cbor.RawMessage `cbor:"body,omitempty"`
}

// EncodeHookContext serializes a hook context for ExecuteHook.Data.
func EncodeHookContext(hc HookContext) ([]byte, error) {
	data, err := encMode.Marshal(hc)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.EncodeFailed)
	}
	return data, nil
}

// DecodeHookContext parses ExecuteHook.Data back into a hook context.
func DecodeHookContext(data []byte) (HookContext, error) {
	var hc HookContext
	if len(data) == 0 {
		return hc, nil
	}
	if err := decMode.Unmarshal(data, &hc); err != nil {
		return HookContext{}, appErr.Wrap(err, appErr.DecodeFailed)
	}
	return hc, nil
}

// EncodeContextData serializes the context snapshot that rides inside
// Initialize.ContextData. A nil snapshot encodes as empty, which the
// worker treats as no initial context.
func EncodeContextData(snapshot map[string][]byte) ([]byte, error) {
	if len(snapshot) == 0 {
		return nil, nil
	}
	data, err := encMode.Marshal(snapshot)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.EncodeFailed)
	}
	return data, nil
}

// DecodeContextData parses Initialize.ContextData.
func DecodeContextData(data []byte) (map[string][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var snapshot map[string][]byte
	if err := decMode.Unmarshal(data, &snapshot); err != nil {
		return nil, appErr.Wrap(err, appErr.DecodeFailed)
	}
	return snapshot, nil
}
