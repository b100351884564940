// Package api exposes the read-only query surface and the one mutating
// admin endpoint over the orchestrator's Store and Accumulator, following
// the teacher's gorilla/mux Server shape.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tornadogo/mixer-indexer/internal/eventbus"
	"github.com/tornadogo/mixer-indexer/internal/field"
	"github.com/tornadogo/mixer-indexer/internal/logging"
	"github.com/tornadogo/mixer-indexer/internal/orchestrator"
)

// Server is the HTTP+websocket frontend over an Orchestrator.
type Server struct {
	log        logging.Logger
	orch       *orchestrator.Orchestrator
	httpServer *http.Server
	hub        *Hub
	hubStop    chan struct{}
	busSub     chan eventbus.Event
	limiter    *ipLimiter
}

// RateLimitConfig configures the per-Server IP rate limiter. RPS<=0 disables
// rate limiting entirely.
type RateLimitConfig struct {
	RPS    float64
	Burst  int
	TTLMin int
}

// NewServer builds a Server listening on addr. adminTokenSecret configures
// the HMAC secret for the /admin/resync JWT; an empty secret disables that
// route.
func NewServer(log logging.Logger, orch *orchestrator.Orchestrator, addr, adminTokenSecret string, rl RateLimitConfig) *Server {
	s := &Server{
		log:     log,
		orch:    orch,
		hub:     NewHub(log),
		hubStop: make(chan struct{}),
		limiter: newIPLimiter(rl.RPS, rl.Burst, rl.TTLMin),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/tree/root", s.handleTreeRoot).Methods("GET", "OPTIONS")
	r.HandleFunc("/tree/leaf/{index}", s.handleTreeLeaf).Methods("GET", "OPTIONS")
	r.HandleFunc("/tree/path/{commitment}", s.handleTreePath).Methods("GET", "OPTIONS")
	r.HandleFunc("/deposits", s.handleDeposits).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET", "OPTIONS")

	auth := NewAuthMiddleware(adminTokenSecret)
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(auth.Middleware)
	admin.HandleFunc("/resync", s.handleAdminResync).Methods("POST", "OPTIONS")

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start subscribes to the orchestrator's event bus, runs the websocket hub,
// and serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.busSub = make(chan eventbus.Event, 256)
	s.orch.Bus.Subscribe(eventbus.Deposit, s.busSub)
	s.orch.Bus.Subscribe(eventbus.Withdrawal, s.busSub)
	go s.pumpBus()
	go s.hub.Run(s.hubStop)
	s.log.Infof("Start: listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) pumpBus() {
	for {
		select {
		case <-s.hubStop:
			return
		case ev := <-s.busSub:
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Errorf("pumpBus: marshal: %v", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

// Shutdown stops accepting connections and drains the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.hubStop)
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	latestBlk, ok := s.orch.Store.GetLatestBlock()
	if !ok {
		writeError(w, http.StatusInternalServerError, "failed to read latest block")
		return
	}
	unspent, ok := s.orch.Store.GetUnspent()
	if !ok {
		writeError(w, http.StatusInternalServerError, "failed to read unspent counter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"synced":       s.orch.Poller.Synced(),
		"cursor":       s.orch.Poller.Cursor(),
		"tree_size":    s.orch.Tree().Size(),
		"unspent":      unspent,
		"latest_block": latestBlk,
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTreeRoot(w http.ResponseWriter, r *http.Request) {
	root, ok := s.orch.Tree().Root()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"root": root.Hex()})
}

func (s *Server) handleTreeLeaf(w http.ResponseWriter, r *http.Request) {
	idxStr := mux.Vars(r)["index"]
	idx, err := strconv.ParseUint(idxStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}
	leaf, ok := s.orch.Tree().Leaf(idx)
	if !ok {
		writeError(w, http.StatusNotFound, "leaf index out of range")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"leaf": leaf.Hex()})
}

func (s *Server) handleTreePath(w http.ResponseWriter, r *http.Request) {
	commitmentStr := mux.Vars(r)["commitment"]
	commitment, ok := field.FromHex(commitmentStr)
	if !ok {
		writeError(w, http.StatusBadRequest, "commitment must be a 0x-prefixed field element")
		return
	}
	path, ok := s.orch.Tree().Path(commitment)
	if !ok {
		writeError(w, http.StatusNotFound, "commitment not found in tree")
		return
	}

	type pathEntry struct {
		Left  string  `json:"left"`
		Right *string `json:"right"`
	}
	out := make([]pathEntry, len(path))
	for i, e := range path {
		entry := pathEntry{Left: e.Left.Hex()}
		if e.Right != nil {
			h := e.Right.Hex()
			entry.Right = &h
		}
		out[i] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": out})
}

func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	start, err := parseUint32Param(r, "start", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be a non-negative integer")
		return
	}
	end, err := parseUint32Param(r, "end", start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be a non-negative integer")
		return
	}

	leaves, ok := s.orch.Store.GetLeaves(start, end)
	if !ok {
		writeError(w, http.StatusInternalServerError, "failed to read deposits")
		return
	}

	out := make([]string, len(leaves))
	for i, leaf := range leaves {
		out[i] = leaf.Hex()
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": out})
}

func (s *Server) handleAdminResync(w http.ResponseWriter, r *http.Request) {
	if !s.orch.Resync() {
		writeError(w, http.StatusInternalServerError, "resync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree_size": s.orch.Tree().Size()})
}

func parseUint32Param(r *http.Request, key string, def uint32) (uint32, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
