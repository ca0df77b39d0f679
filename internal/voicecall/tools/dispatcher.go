package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-bridge/internal/observability"
	"voice-bridge/internal/voicecall/transcript"

	"github.com/go-playground/validator/v10"
)

const (
	ToolScheduleMeeting   = "scheduleMeeting"
	ToolSendEmail         = "sendEmail"
	ToolLookupOrder       = "lookupOrder"
	ToolCreateSupportCase = "createSupportCase"
	ToolLookupProductInfo = "lookupProductInfo"
	ToolHangUp            = "hangUp"

	toolHangUpAlias = "hangup"

	DefaultTimeout = 10 * time.Second
)

var (
	ErrUnsupportedTool   = errors.New("unsupported tool")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrToolTimeout       = errors.New("tool timed out")
)

type Kind int

const (
	KindResult Kind = iota
	KindHangUp
)

type Invocation struct {
	ID         string
	ToolName   string
	Parameters json.RawMessage
}

// Response always echoes the invocation ID. Exactly one of Result and Error is set.
type Response struct {
	InvocationID string
	Kind         Kind
	Result       string
	Error        string
}

// Call identifies the call a tool runs on behalf of.
type Call struct {
	CallSID      string
	SessionID    string
	CallerNumber string
	Transcript   *transcript.Recorder
}

type handlerFunc func(ctx context.Context, call Call, params json.RawMessage) (string, error)

type Dispatcher struct {
	handlers map[string]handlerFunc
	deps     Dependencies
	validate *validator.Validate
	timeout  time.Duration
	logger   *observability.Logger
	now      func() time.Time
}

func NewDispatcher(deps Dependencies, timeout time.Duration, logger *observability.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Dispatcher{
		deps:     deps,
		validate: newValidator(),
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
	d.handlers = map[string]handlerFunc{
		ToolScheduleMeeting:   d.scheduleMeeting,
		ToolSendEmail:         d.sendEmail,
		ToolLookupOrder:       d.lookupOrder,
		ToolCreateSupportCase: d.createSupportCase,
		ToolLookupProductInfo: d.lookupProductInfo,
		ToolHangUp:            d.hangUp,
		toolHangUpAlias:       d.hangUp,
	}
	return d
}

// Dispatch runs one tool invocation. It never panics and never returns an
// error: failures become error responses the engine can read.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, inv Invocation) Response {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "invocation_id", Value: inv.ID},
		observability.Field{Key: "tool_name", Value: inv.ToolName},
	)

	resp := Response{InvocationID: inv.ID, Kind: KindResult}
	handler, ok := d.handlers[inv.ToolName]
	if !ok {
		resp.Error = fmt.Sprintf("%s: %s", ErrUnsupportedTool, inv.ToolName)
		d.logger.Warn(ctx, resp.Error)
		return resp
	}
	if isHangUp(inv.ToolName) {
		resp.Kind = KindHangUp
	}

	result, err := d.run(ctx, handler, call, inv.Parameters)
	if err != nil {
		d.logger.Error(ctx, "tool invocation failed", err)
		resp.Error = err.Error()
		return resp
	}
	d.logger.Info(ctx, "tool invocation completed")
	resp.Result = result
	return resp
}

type outcome struct {
	result string
	err    error
}

func (d *Dispatcher) run(ctx context.Context, handler handlerFunc, call Call, params json.RawMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := handler(ctx, call, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrToolTimeout, d.timeout)
		}
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrToolTimeout, d.timeout)
		}
		return "", ctx.Err()
	}
}

func isHangUp(name string) bool {
	return name == ToolHangUp || name == toolHangUpAlias
}
