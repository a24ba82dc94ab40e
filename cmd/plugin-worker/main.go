// plugin-worker is a reference worker binary. It registers a pair of
// demonstration hooks and serves them over the host IPC channel. Real
// plugins link pkg/worker directly; this binary exists for smoke
// testing a host deployment and as the wasm entry shim.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"orbishost/pkg/worker"
)

func main() {
	cfg, err := worker.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "plugin-worker: %v\n", err)
		os.Exit(2)
	}

	reg := worker.NewRegistry()
	reg.Register("echo_handler", echoHandler)
	reg.Register("reverse_handler", reverseHandler, worker.WithPriority(10))

	if err := worker.Serve(context.Background(), cfg, reg); err != nil {
		fmt.Fprintf(os.Stderr, "plugin-worker: %v\n", err)
		os.Exit(1)
	}
}

// echoHandler returns the request body unchanged.
func echoHandler(ctx context.Context, call worker.Call) (any, error) {
	var body any
	if len(call.Context.Body) > 0 {
		if err := cbor.Unmarshal(call.Context.Body, &body); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
	}
	call.Logger.Debug("echo", zap.String("request_id", call.Context.RequestID))
	return map[string]any{"echo": body}, nil
}

// reverseHandler expects {"text": string} and returns the text
// reversed rune by rune.
func reverseHandler(ctx context.Context, call worker.Call) (any, error) {
	var body struct {
		Text string `cbor:"text"`
	}
	if err := cbor.Unmarshal(call.Context.Body, &body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	runes := []rune(body.Text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return map[string]any{"text": string(runes)}, nil
}
