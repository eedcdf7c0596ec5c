package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/uplink/pkg/protocol"
)

type actionRequest struct {
	Guid   string `json:"guid"`
	Params any    `json:"params,omitempty"`
}

type errorResponse struct {
	Err   string `json:"err"`
	Stack string `json:"stack,omitempty"`
}

// Fetch reads the current value of key from the server and caches it. It
// never fails: transport errors and error statuses report ok=false.
func (c *Client) Fetch(ctx context.Context, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	gen := c.genLocked(key)
	c.mu.Unlock()
	return c.fetch(ctx, key, gen)
}

// fetch stores the result only when the key's generation is still gen.
func (c *Client) fetch(ctx context.Context, key string, gen uint64) (json.RawMessage, bool) {
	value, hash, err := c.read(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("fetch failed", "key", key, "error", err)
		}
		return nil, false
	}

	c.mu.Lock()
	if !c.closed && c.genLocked(key) == gen {
		c.storeLocked(key, value, hash)
	} else {
		c.logger.Debug("fetch result superseded", "key", key)
	}
	c.mu.Unlock()
	return value, true
}

func (c *Client) read(ctx context.Context, key string) (json.RawMessage, string, error) {
	if err := protocol.ValidateKey(key); err != nil {
		return nil, "", err
	}
	u := c.config.endpoint(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set(protocol.HeaderGuid, c.guid)
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, "", &TransportError{Op: "fetch", URL: u, Err: err}
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp.Body)
	if err != nil {
		return nil, "", &TransportError{Op: "fetch", URL: u, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("uplink: fetch %s: status %d", key, resp.StatusCode)
	}
	value, err := protocol.Canonical(json.RawMessage(body))
	if err != nil {
		return nil, "", fmt.Errorf("uplink: fetch %s: %w", key, err)
	}
	return value, protocol.Hash(value), nil
}

// Dispatch posts an action with params and returns the raw JSON result.
// Transport failures match ErrTransport; error statuses are returned as
// *DispatchError. An unknown action is not an error: the server answers
// with its default result.
func (c *Client) Dispatch(ctx context.Context, action string, params any) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "uplink.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("uplink.action", action), attribute.String("uplink.guid", c.guid)))
	defer span.End()

	result, err := c.dispatch(ctx, action, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (c *Client) dispatch(ctx context.Context, action string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	body, err := json.Marshal(actionRequest{Guid: c.guid, Params: params})
	if err != nil {
		return nil, fmt.Errorf("uplink: dispatch %s: encode params: %w", action, err)
	}

	u := c.config.endpoint(action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "dispatch", URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := c.readBody(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "dispatch", URL: u, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		derr := &DispatchError{Action: action, Status: resp.StatusCode, Body: data}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			derr.Err = er.Err
			derr.Stack = er.Stack
		}
		return nil, derr
	}
	return json.RawMessage(data), nil
}

// readBody reads at most MaxResponseSize bytes. A longer body fails with
// ErrResponseTooLarge instead of being cut short.
func (c *Client) readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.config.MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.config.MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

// Bootstrap is the payload a server hands to a client before it connects:
// the guid to use, the pid of the server that produced it and a store
// snapshot blob.
type Bootstrap struct {
	Guid  string          `json:"guid"`
	PID   string          `json:"pid"`
	Store json.RawMessage `json:"store"`
}

// FetchBootstrap reads a bootstrap payload from the server's bootstrap
// endpoint. guid may be empty to let the server pick one.
func FetchBootstrap(ctx context.Context, client *http.Client, endpoint, guid string, keys ...string) (*Bootstrap, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("uplink: bootstrap url: %w", err)
	}
	q := u.Query()
	if guid != "" {
		q.Set("guid", guid)
	}
	for _, k := range keys {
		q.Add("key", k)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "bootstrap", URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("uplink: bootstrap: status %d", resp.StatusCode)
	}
	var b Bootstrap
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("uplink: bootstrap: %w", err)
	}
	return &b, nil
}
