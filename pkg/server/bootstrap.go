package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-dev/uplink/pkg/protocol"
	"github.com/vango-dev/uplink/pkg/store"
)

// BootstrapPayload is embedded into an initial page or fetched once by a
// client before it connects. Store is a snapshot blob that a client store
// loads with Unserialize so the named keys are readable without a fetch.
type BootstrapPayload struct {
	Guid  string          `json:"guid"`
	PID   string          `json:"pid"`
	Store json.RawMessage `json:"store"`
}

// Bootstrap builds the payload for guid, generating a guid when empty. Each
// key is resolved the same way a store read resolves it.
func (s *Server) Bootstrap(ctx context.Context, guid string, keys ...string) (*BootstrapPayload, error) {
	return s.bootstrap(ctx, nil, guid, keys)
}

// bootstrap resolves keys for r, which is nil outside of HTTP requests.
func (s *Server) bootstrap(ctx context.Context, r *http.Request, guid string, keys []string) (*BootstrapPayload, error) {
	if guid == "" {
		guid = s.config.GuidGenerator.NewID()
	}
	values := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if err := protocol.ValidateKey(key); err != nil {
			return nil, err
		}
		e, err := s.readStore(ctx, r, key, guid)
		if err != nil {
			return nil, NewSessionError(guid, "bootstrap "+key, err)
		}
		values[key] = e.Value
	}
	blob, err := store.EncodeSnapshot(values)
	if err != nil {
		return nil, err
	}
	return &BootstrapPayload{Guid: guid, PID: s.pid, Store: blob}, nil
}

func (s *Server) serveBootstrap(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	p, err := s.bootstrap(r.Context(), r, q.Get("guid"), q["key"])
	if err != nil {
		s.logger.Error("bootstrap failed", "error", err)
		status := s.config.ErrorStatus
		if protocol.CodeOf(err) == protocol.ErrProtocolViolation {
			status = http.StatusBadRequest
		}
		status = s.writeError(w, status, err)
		s.metrics.httpRequest("bootstrap", status, time.Since(start))
		return
	}
	s.writeJSON(w, http.StatusOK, p)
	s.metrics.httpRequest("bootstrap", http.StatusOK, time.Since(start))
}
