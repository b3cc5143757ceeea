package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/rs/cors"

	"github.com/manthysbr/kafu/internal/engine"
	"github.com/manthysbr/kafu/internal/kafuerr"
	"github.com/manthysbr/kafu/internal/migration"
)

// Health service names exposed at GET /healthz?service=<name>
// (SPEC_FULL.md §6): the base service reports general liveness, the
// leader_execution service additionally requires this node to currently
// be acting coordinator.
const (
	HealthServiceBase            = ""
	HealthServiceLeaderExecution = "leader_execution"
)

// Server is the node's control-plane HTTP server: the four RPC endpoints
// (C8), a two-service health check and a CORS-enabled diagnostic /status
// endpoint, plus the migration receiver (C5) wired on top of them.
type Server struct {
	logger   *slog.Logger
	nodeID   string
	instance *engine.Instance
	cache    *migration.SnapshotCache
	audit    AuditLog

	serving     atomic.Bool
	coordinator atomic.Bool

	onHeartbeat func(nodeID string, seq uint64, executionStarted bool)
	onShutdown  func(reason string)

	handler http.Handler
	http    *http.Server
}

// NewServer builds the HTTP handler and server for addr (":port" or
// "host:port"). Start serving with Serve; the server reports unhealthy
// until SetServing(true) is called (SPEC_FULL.md §4.6 startup gate).
func NewServer(logger *slog.Logger, nodeID string, instance *engine.Instance, cache *migration.SnapshotCache, audit AuditLog, addr string) *Server {
	s := &Server{logger: logger, nodeID: nodeID, instance: instance, cache: cache, audit: audit}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc/check-snapshot-cache", s.handleCheckSnapshotCache)
	mux.HandleFunc("POST /rpc/migrate", s.handleMigrate)
	mux.HandleFunc("POST /rpc/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /rpc/shutdown", s.handleShutdown)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.handler = cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(mux)

	s.http = &http.Server{Addr: addr, Handler: s.handler}
	return s
}

// Handler returns the server's CORS-wrapped http.Handler, useful for
// tests that want to drive it via httptest.Server without binding a port
// through Serve.
func (s *Server) Handler() http.Handler { return s.handler }

// SetServing marks the node ready/not-ready for the base health service.
func (s *Server) SetServing(v bool) { s.serving.Store(v) }

// SetCoordinator marks whether this node is currently acting coordinator,
// gating the leader_execution health service.
func (s *Server) SetCoordinator(v bool) { s.coordinator.Store(v) }

// OnHeartbeat registers the callback invoked on every received heartbeat,
// wired by the liveness package's follower observer.
func (s *Server) OnHeartbeat(fn func(nodeID string, seq uint64, executionStarted bool)) {
	s.onHeartbeat = fn
}

// OnShutdown registers the callback invoked on a received shutdown
// request, wired by the liveness package's shutdown fan-out.
func (s *Server) OnShutdown(fn func(reason string)) { s.onShutdown = fn }

// Serve blocks serving HTTP until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return kafuerr.Wrap(kafuerr.Transport, "control-plane server stopped unexpectedly", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleCheckSnapshotCache(w http.ResponseWriter, r *http.Request) {
	var req CheckSnapshotCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	digest, err := decodeDigest(req.ModuleDigest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckSnapshotCacheResponse{Present: s.cache.Has(digest)})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.onHeartbeat != nil {
		s.onHeartbeat(req.NodeID, req.Seq, req.ExecutionStarted)
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{OK: true})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req ShutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.onShutdown != nil {
		go s.onShutdown(req.Reason)
	}
	writeJSON(w, http.StatusOK, ShutdownResponse{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")

	ok := s.serving.Load()
	if service == HealthServiceLeaderExecution {
		ok = ok && s.coordinator.Load()
	}

	if !ok {
		http.Error(w, "NOT_SERVING", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "SERVING")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	digest := s.instance.ModuleDigest()
	_, _, cached := s.cache.Get(digest)

	writeJSON(w, http.StatusOK, StatusResponse{
		NodeID:            s.nodeID,
		Coordinator:       s.coordinator.Load(),
		GuestNodeID:       s.instance.NodeID(),
		ModuleDigest:      hex.EncodeToString(digest[:]),
		HasLocalBaseline:  s.instance.HasBaseline(),
		HasCachedBaseline: cached,
	})
}

// handleMigrate implements the receiver side (C5, SPEC_FULL.md §4.5): gate
// on module digest, reconstruct both memories (full or delta against the
// local snapshot cache), restore the guest, update the local cache, then
// resume the guest in the background — the RPC itself must not block on
// the migrated program's remaining execution.
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// A rejection, not an HTTP error: the client classifies error
		// statuses as transport failures, which the sender retries.
		writeJSON(w, http.StatusOK, MigrateResponse{Accepted: false, Error: err.Error()})
		return
	}

	digest, err := decodeDigest(req.ModuleDigest)
	if err != nil {
		writeJSON(w, http.StatusOK, MigrateResponse{Accepted: false, Error: err.Error()})
		return
	}
	if digest != s.instance.ModuleDigest() {
		writeJSON(w, http.StatusOK, MigrateResponse{Accepted: false, Error: "module digest mismatch"})
		return
	}

	main, snapify, err := s.reconstructMemories(digest, req)
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	if s.audit != nil {
		defer func() {
			_ = s.audit.RecordMigration(r.Context(), "", s.nodeID, "receive", reasonName(engine.Reason(req.Reason)), req.FromNodeID,
				req.MainFull.lenOr(req.MainDelta), req.SnapifyFull.lenOr(req.SnapifyDelta), outcome)
		}()
	}
	if err != nil {
		writeJSON(w, http.StatusOK, MigrateResponse{Accepted: false, Error: err.Error()})
		return
	}

	if err := s.instance.Restore(r.Context(), stackFromWire(req.MigrationStack), main, snapify); err != nil {
		outcome = "failed"
		writeJSON(w, http.StatusOK, MigrateResponse{Accepted: false, Error: err.Error()})
		return
	}

	s.cache.Put(digest, main, snapify)

	go func() {
		if err := s.instance.Resume(context.Background()); err != nil {
			s.logger.Error("rpc: resume after migration failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, MigrateResponse{Accepted: true})
}

func (s *Server) reconstructMemories(digest [32]byte, req MigrateRequest) (main, snapify []byte, err error) {
	cachedMain, cachedSnapify, haveCache := s.cache.Get(digest)

	main, err = reconstructOne(req.MainFull, req.MainDelta, cachedMain, haveCache)
	if err != nil {
		return nil, nil, kafuerr.Wrap(kafuerr.Migration, "failed to reconstruct main memory", err)
	}
	snapify, err = reconstructOne(req.SnapifyFull, req.SnapifyDelta, cachedSnapify, haveCache)
	if err != nil {
		return nil, nil, kafuerr.Wrap(kafuerr.Migration, "failed to reconstruct snapify memory", err)
	}
	return main, snapify, nil
}

func reconstructOne(full *MemoryImage, delta *MemoryDelta, baseline []byte, haveBaseline bool) ([]byte, error) {
	if full != nil {
		return migration.Decompress(full.Bytes)
	}
	if delta == nil {
		return nil, fmt.Errorf("neither full nor delta image present")
	}
	if !haveBaseline {
		return nil, fmt.Errorf("received a delta but have no cached baseline for this module")
	}

	pages := make([]migration.Page, len(delta.Pages))
	for i, p := range delta.Pages {
		data, err := migration.Decompress(p.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress delta page %d: %w", p.Index, err)
		}
		pages[i] = migration.Page{Index: p.Index, Data: data}
	}

	return migration.Apply(baseline, pages, int(delta.Len))
}

func decodeDigest(s string) ([32]byte, error) {
	var digest [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return digest, fmt.Errorf("invalid module digest: %w", err)
	}
	if len(b) != len(digest) {
		return digest, fmt.Errorf("invalid module digest length: got %d want %d", len(b), len(digest))
	}
	copy(digest[:], b)
	return digest, nil
}

func (m *MemoryImage) lenOr(d *MemoryDelta) uint64 {
	if m != nil {
		return m.Len
	}
	if d != nil {
		return d.Len
	}
	return 0
}
