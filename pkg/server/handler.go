package server

import (
	"encoding/json"
	"runtime/debug"
)

// StoreHandler computes the value of a store key that has no value set
// through SetStore. A nil value is served as JSON null.
type StoreHandler func(ctx *Context) (any, error)

// EventHandler runs when a client starts listening to an event. Returning
// an error rejects the listen and is reported to the client as a wire err.
type EventHandler func(ctx *Context) error

// ActionHandler performs a named action with the params posted by a client.
// The result is sent back as the JSON response body.
type ActionHandler func(ctx *Context, params json.RawMessage) (any, error)

// UnknownAction is the response body for actions without a route.
type UnknownAction struct {
	Err    string `json:"err"`
	Action string `json:"action"`
}

func defaultStoreHandler(ctx *Context) (any, error) {
	return nil, nil
}

func defaultEventHandler(ctx *Context) error {
	ctx.Logger.Warn("listen to unknown event", "event", ctx.Path)
	ctx.Warn("unknown event", map[string]any{"eventName": ctx.Path})
	return nil
}

func defaultActionHandler(ctx *Context, params json.RawMessage) (any, error) {
	return &UnknownAction{Err: "unknown action", Action: ctx.Path}, nil
}

// callStore runs h, converting a panic into a *HandlerError.
func callStore(ctx *Context, h StoreHandler) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewHandlerError(ctx.Kind, ctx.Path, r, debug.Stack())
		}
	}()
	return h(ctx)
}

// callEvent runs h, converting a panic into a *HandlerError.
func callEvent(ctx *Context, h EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewHandlerError(ctx.Kind, ctx.Path, r, debug.Stack())
		}
	}()
	return h(ctx)
}

// callAction runs h, converting a panic into a *HandlerError.
func callAction(ctx *Context, h ActionHandler, params json.RawMessage) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewHandlerError(ctx.Kind, ctx.Path, r, debug.Stack())
		}
	}()
	return h(ctx, params)
}
