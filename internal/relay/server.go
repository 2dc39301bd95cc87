package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wikisync/core/internal/store"
	"github.com/wikisync/core/internal/transport/wsadapter"
)

// Server multiplexes many documents, lazily creating a Hub per doc id on
// first access, and exposes the HTTP surface a client uses to fetch an
// initial snapshot and then upgrade to a websocket.
type Server struct {
	mu       sync.Mutex
	hubs     map[string]*Hub
	upgrader websocket.Upgrader

	log     *zap.Logger
	metrics *Metrics
	store   *store.Store
}

// NewServer builds a Server. store may be nil for an in-memory-only relay.
func NewServer(log *zap.Logger, metrics *Metrics, st *store.Store) *Server {
	return &Server{
		hubs: make(map[string]*Hub),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log,
		metrics: metrics,
		store:   st,
	}
}

func (s *Server) hubFor(ctx context.Context, docID string) (*Hub, error) {
	s.mu.Lock()
	h, ok := s.hubs[docID]
	if !ok {
		h = NewHub(docID, s.log, s.metrics, s.store)
		s.hubs[docID] = h
	}
	s.mu.Unlock()

	if !ok {
		if err := h.Restore(ctx); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// HandleDocument serves the current snapshot for ?doc=<id> as JSON, for a
// client to render before opening its websocket. Omitting doc mints a new
// document id and returns an empty snapshot under it.
func (s *Server) HandleDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		docID = uuid.NewString()
	}
	h, err := s.hubFor(r.Context(), docID)
	if err != nil {
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Document-Id", docID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Snapshot())
}

// HandleWebSocket upgrades the connection and runs it through the
// document's hub until it disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	h, err := s.hubFor(r.Context(), docID)
	if err != nil {
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}

	relayConn := wsadapter.NewRelayConn(conn)
	if err := h.Serve(r.Context(), relayConn); err != nil && s.log != nil {
		s.log.Info("connection closed", zap.String("doc", docID), zap.Error(err))
	}
}
