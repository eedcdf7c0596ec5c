package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/uplink/pkg/protocol"
)

const (
	HeaderHash = protocol.HeaderHash
	HeaderGuid = protocol.HeaderGuid
)

// ActionRequest is the body of an action POST.
type ActionRequest struct {
	Guid   string          `json:"guid"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorResponse is the body of every HTTP fault.
type ErrorResponse struct {
	Err   string `json:"err"`
	Stack string `json:"stack,omitempty"`
}

// InstallHandlers mounts the Uplink endpoints on r:
//
//	GET  {Prefix}/*        store read
//	POST {Prefix}/*        action
//	GET  {WebSocketPath}   duplex connection
//	GET  {BootstrapPath}   bootstrap payload
//	GET  {MetricsPath}     Prometheus metrics
//
// bootstrap, when non-nil, runs once before the first install returns and
// is where routes are registered and initial values set.
func (s *Server) InstallHandlers(r chi.Router, bootstrap func(*Server)) {
	if bootstrap != nil {
		s.bootstrapOnce.Do(func() {
			bootstrap(s)
		})
	}

	r.Get(s.config.WebSocketPath, s.HandleWebSocket)
	if s.config.BootstrapPath != "" {
		r.Get(s.config.BootstrapPath, s.serveBootstrap)
	}
	if s.config.MetricsPath != "" && s.config.Registry != nil {
		r.Method(http.MethodGet, s.config.MetricsPath, promhttp.HandlerFor(s.config.Registry, promhttp.HandlerOpts{}))
	}

	mount := func(r chi.Router) {
		r.Get("/*", s.serveStore)
		r.Post("/*", s.serveAction)
	}
	if s.config.Prefix == "" {
		mount(r)
	} else {
		r.Route(s.config.Prefix, mount)
	}
	s.logger.Debug("handlers installed", "prefix", s.config.Prefix, "websocket", s.config.WebSocketPath)
}

// routedPath returns the key or action path of a request. chi routes on the
// raw path when the request carries one, so the wildcard is still escaped.
func routedPath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(p); err == nil {
			p = unescaped
		}
	}
	return "/" + p
}

func (s *Server) serveStore(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := routedPath(r)
	guid := r.Header.Get(HeaderGuid)
	if guid == "" {
		guid = r.URL.Query().Get("guid")
	}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := s.tracer.Start(ctx, "uplink.store.read", trace.WithAttributes(attribute.String("uplink.key", key)))
	defer span.End()

	e, err := s.readStore(ctx, r, key, guid)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("store read failed", "key", key, "error", err)
		status := s.writeError(w, s.config.ErrorStatus, err)
		s.metrics.httpRequest("store", status, time.Since(start))
		return
	}

	w.Header().Set(HeaderHash, e.Hash)
	s.writeRaw(w, http.StatusOK, e.Value)
	s.metrics.httpRequest("store", http.StatusOK, time.Since(start))
}

func (s *Server) serveAction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := routedPath(r)

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := s.tracer.Start(ctx, "uplink.action", trace.WithAttributes(attribute.String("uplink.action", path)))
	defer span.End()

	req, err := s.decodeAction(w, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeError(w, status, err)
		s.metrics.httpRequest("action", status, time.Since(start))
		return
	}
	if req.Guid != "" {
		span.SetAttributes(attribute.String("uplink.guid", req.Guid))
	}

	result, err := s.runAction(ctx, r, path, req.Guid, req.Params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("action failed", "action", path, "guid", req.Guid, "error", err)
		status := s.writeError(w, s.config.ErrorStatus, err)
		s.metrics.httpRequest("action", status, time.Since(start))
		return
	}

	s.writeJSON(w, http.StatusOK, result)
	s.metrics.httpRequest("action", http.StatusOK, time.Since(start))
}

func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request) (*ActionRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		return nil, err
	}
	req := &ActionRequest{}
	if len(body) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, err
	}
	return req, nil
}

// writeError renders a fault as {err, stack?} and returns the status used.
// Stacks of recovered panics are included only in DevMode.
func (s *Server) writeError(w http.ResponseWriter, status int, err error) int {
	resp := ErrorResponse{Err: err.Error()}
	var herr *HandlerError
	if s.config.DevMode && errors.As(err, &herr) {
		resp.Stack = string(herr.Stack)
	}
	s.writeJSON(w, status, resp)
	return status
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("response encode failed", "error", err)
		data, _ = json.Marshal(ErrorResponse{Err: err.Error()})
		status = s.config.ErrorStatus
	}
	s.writeRaw(w, status, data)
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}
