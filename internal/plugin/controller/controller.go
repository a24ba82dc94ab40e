// Package controller exposes the plugin host over HTTP: state
// inspection, lifecycle operations, and hook execution. Hook bodies
// cross the boundary as JSON and ride the worker protocol as CBOR.
package controller

import (
	"context"
	"encoding/json"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"

	"orbishost/internal/plugin/ipc"
	"orbishost/internal/plugin/process"
	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/response"
)

// Service is the manager surface the controller drives.
type Service interface {
	List() []process.Info
	StatusOf(name string) (process.Info, error)
	Execute(ctx context.Context, name, hook string, hctx ipc.HookContext) ([]byte, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	UsageOf(ctx context.Context, name string) (process.ResourceUsageInfo, error)
	WorkerMetrics(ctx context.Context, name string) (*ipc.MetricsResponse, error)
}

// hookDecMode decodes CBOR hook results into JSON-marshalable values.
var hookDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// PluginController handles plugin host API requests.
type PluginController struct {
	svc Service
}

// NewPluginController creates a new controller.
func NewPluginController(svc Service) *PluginController {
	return &PluginController{svc: svc}
}

// List returns a snapshot of every registered plugin.
func (h *PluginController) List(c *gin.Context) {
	response.Success(c, h.svc.List())
}

// Get returns one plugin's state.
func (h *PluginController) Get(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		response.BadRequest(c, "Invalid plugin name")
		return
	}
	info, err := h.svc.StatusOf(name)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

// Execute runs one hook. The request body becomes the hook context
// body; the hook's result comes back as JSON.
func (h *PluginController) Execute(c *gin.Context) {
	name := c.Param("name")
	hook := c.Param("hook")
	if name == "" || hook == "" {
		response.BadRequest(c, "Invalid plugin or hook name")
		return
	}

	body, err := readHookBody(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	hctx := ipc.HookContext{
		RequestID: c.GetString("request_id"),
		Body:      body,
	}
	if userID, ok := c.Get(identityUserKey); ok {
		hctx.UserID, _ = userID.(int64)
	}
	if isAdmin, ok := c.Get(identityAdminKey); ok {
		hctx.IsAdmin, _ = isAdmin.(bool)
	}

	result, err := h.svc.Execute(c.Request.Context(), name, hook, hctx)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, decodeHookResult(result))
}

// Start spawns the plugin's worker.
func (h *PluginController) Start(c *gin.Context) {
	h.lifecycle(c, h.svc.Start)
}

// Stop gracefully terminates the plugin's worker.
func (h *PluginController) Stop(c *gin.Context) {
	h.lifecycle(c, h.svc.Stop)
}

// Restart bounces the plugin's worker, consuming one restart attempt.
func (h *PluginController) Restart(c *gin.Context) {
	h.lifecycle(c, h.svc.Restart)
}

func (h *PluginController) lifecycle(c *gin.Context, op func(context.Context, string) error) {
	name := c.Param("name")
	if name == "" {
		response.BadRequest(c, "Invalid plugin name")
		return
	}
	if err := op(c.Request.Context(), name); err != nil {
		response.Error(c, err)
		return
	}
	info, err := h.svc.StatusOf(name)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

// Usage samples one plugin's live resource consumption.
func (h *PluginController) Usage(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		response.BadRequest(c, "Invalid plugin name")
		return
	}
	usage, err := h.svc.UsageOf(c.Request.Context(), name)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, usage)
}

// WorkerMetrics asks the worker itself for its counters.
func (h *PluginController) WorkerMetrics(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		response.BadRequest(c, "Invalid plugin name")
		return
	}
	metrics, err := h.svc.WorkerMetrics(c.Request.Context(), name)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, metrics)
}

// readHookBody converts the JSON request body into the CBOR form the
// worker protocol carries. An empty body is a valid empty hook
// context.
func readHookBody(c *gin.Context) (cbor.RawMessage, error) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidParams).WithMessage("read request body")
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidParams).WithMessage("request body must be JSON")
	}
	encoded, err := cbor.Marshal(value)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.EncodeFailed)
	}
	return encoded, nil
}

// decodeHookResult maps a CBOR hook result back onto JSON-friendly
// values. A result that does not decode is returned as raw bytes
// rather than dropped.
func decodeHookResult(result []byte) any {
	if len(result) == 0 {
		return nil
	}
	var value any
	if err := hookDecMode.Unmarshal(result, &value); err != nil {
		return result
	}
	return value
}
