// Package liveness implements C6 (SPEC_FULL.md §4.6): the startup gate
// every node waits on before serving, the coordinator's push-heartbeat
// sender and its peer monitor, the follower's push-heartbeat observer,
// and the coordinated cluster shutdown fan-out.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/kafu/internal/kafuconfig"
	"github.com/manthysbr/kafu/internal/kafuerr"
	"github.com/manthysbr/kafu/internal/rpc"
)

const (
	startupBudget        = 30 * time.Second
	startupInitialDelay  = 250 * time.Millisecond
	startupMaxDelay      = 2 * time.Second
	missedThreshold      = 5
	missedMinElapsed     = 5 * time.Second
	peerMonitorThreshold = 5
	heartbeatRPCTimeout  = 2 * time.Second
)

// AuditLog is the narrow interface used to record liveness events; see
// internal/audit.Store.RecordLiveness.
type AuditLog interface {
	RecordLiveness(ctx context.Context, nodeID, peer, kind, detail string) error
}

// Runner owns one node's liveness tasks. A coordinator node runs
// CoordinatorHeartbeatSender and CoordinatorPeerMonitor; a follower runs
// FollowerHeartbeatObserver. Every node runs WaitForStartup once.
type Runner struct {
	logger        *slog.Logger
	nodeID        string
	coordinatorID string
	isCoordinator bool
	peers         *rpc.StaticPeers
	server        *rpc.Server
	interval      time.Duration
	onLost        kafuconfig.FollowerOnCoordinatorLost
	audit         AuditLog

	shutdownFn func(reason string)

	mu                       sync.Mutex
	lastHeartbeatAt          time.Time
	missedIntervals          int
	heartbeatSeq             uint64
	executionStarted         bool // coordinator-only: has this node's own guest entered _start
	observedExecutionStarted bool // follower-only: has a heartbeat ever reported ExecutionStarted=true
}

// Config configures a Runner.
type Config struct {
	NodeID            string
	CoordinatorID     string
	IsCoordinator     bool
	Peers             *rpc.StaticPeers
	Server            *rpc.Server
	HeartbeatInterval time.Duration
	OnCoordinatorLost kafuconfig.FollowerOnCoordinatorLost
	Audit             AuditLog
	Logger            *slog.Logger
}

// New builds a Runner and wires the server's heartbeat callback if this
// node is a follower.
func New(cfg Config) *Runner {
	r := &Runner{
		logger:        cfg.Logger,
		nodeID:        cfg.NodeID,
		coordinatorID: cfg.CoordinatorID,
		isCoordinator: cfg.IsCoordinator,
		peers:         cfg.Peers,
		server:        cfg.Server,
		interval:      cfg.HeartbeatInterval,
		onLost:        cfg.OnCoordinatorLost,
		audit:         cfg.Audit,
	}

	if !cfg.IsCoordinator {
		r.server.OnHeartbeat(func(nodeID string, seq uint64, executionStarted bool) {
			r.mu.Lock()
			r.lastHeartbeatAt = monotonicNow()
			r.missedIntervals = 0
			if executionStarted {
				r.observedExecutionStarted = true
			}
			r.mu.Unlock()
		})
	}
	r.server.OnShutdown(func(reason string) {
		if r.shutdownFn != nil {
			r.shutdownFn(reason)
		}
	})

	return r
}

// OnShutdownRequested registers the callback invoked when this node
// receives a cluster shutdown request from the coordinator.
func (r *Runner) OnShutdownRequested(fn func(reason string)) { r.shutdownFn = fn }

// MarkExecutionStarted records that this node's own guest has entered
// _start (wired via engine.Instance.OnExecutionStart) and, for the
// coordinator, flips the leader_execution health service accordingly
// (SPEC_FULL.md §4.6, §6 "transitions from NotServing to Serving exactly
// when the coordinator enters _start"). A no-op on repeat calls.
func (r *Runner) MarkExecutionStarted() {
	r.mu.Lock()
	r.executionStarted = true
	r.mu.Unlock()

	if r.isCoordinator {
		r.server.SetCoordinator(true)
	}
}

func (r *Runner) executionStartedSnapshot() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executionStarted
}

// monotonicNow exists only so tests can't accidentally rely on
// time.Now()'s wall-clock behavior; kept as a thin wrapper for clarity at
// call sites that care specifically about elapsed-time math.
func monotonicNow() time.Time { return time.Now() }

// WaitForStartup blocks until the node is ready to begin serving
// (SPEC_FULL.md §4.6): a coordinator is ready immediately; a follower
// waits, with 250ms→2s backoff, for the coordinator's base health
// service to answer SERVING, up to a 30s budget.
func (r *Runner) WaitForStartup(ctx context.Context) error {
	if r.isCoordinator {
		// SetServing marks the node itself up; leader_execution stays
		// NotServing until MarkExecutionStarted flips it at the guest's
		// actual _start (SPEC_FULL.md §6).
		r.server.SetServing(true)
		return nil
	}

	client, ok := r.peers.Client(r.coordinatorID)
	if !ok {
		return kafuerr.Newf(kafuerr.Config, "unknown coordinator node %q", r.coordinatorID)
	}

	deadline := monotonicNow().Add(startupBudget)
	delay := startupInitialDelay

	for {
		ok, err := client.HealthCheck(ctx, rpc.HealthServiceBase)
		if err == nil && ok {
			r.server.SetServing(true)
			r.mu.Lock()
			r.lastHeartbeatAt = monotonicNow()
			r.mu.Unlock()
			return nil
		}

		if monotonicNow().After(deadline) {
			return kafuerr.Newf(kafuerr.HealthCheck, "coordinator %q not ready after startup budget", r.coordinatorID)
		}

		select {
		case <-ctx.Done():
			return kafuerr.Wrap(kafuerr.HealthCheck, "startup wait cancelled", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > startupMaxDelay {
			delay = startupMaxDelay
		}
	}
}

// CoordinatorHeartbeatSender pushes a heartbeat to every peer once per
// interval until ctx is cancelled. Coordinator-only.
func (r *Runner) CoordinatorHeartbeatSender(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.mu.Lock()
			r.heartbeatSeq++
			seq := r.heartbeatSeq
			r.mu.Unlock()
			executionStarted := r.executionStartedSnapshot()

			for peerID, client := range r.peers.All() {
				req := rpc.HeartbeatRequest{NodeID: r.nodeID, Seq: seq, ExecutionStarted: executionStarted}
				hbCtx, cancel := context.WithTimeout(ctx, heartbeatRPCTimeout)
				_, err := client.Heartbeat(hbCtx, req)
				cancel()
				if err != nil {
					r.logger.Warn("liveness: heartbeat push failed", "peer", peerID, "error", err)
				}
			}
		}
	}
}

// FollowerHeartbeatObserver watches the time since the last heartbeat
// received from the coordinator (delivered via the server's OnHeartbeat
// callback wired in New). After missedThreshold consecutive missed
// intervals, provided at least missedMinElapsed has actually passed, it
// applies the configured FollowerOnCoordinatorLost policy. The detector
// only engages once a heartbeat carrying ExecutionStarted=true has been
// observed at least once (SPEC_FULL.md §4.6): before the coordinator's
// guest has entered _start there is nothing to lose yet, and a follower
// that started watching before that point would otherwise shut itself
// down on a coordinator that is merely still starting up. Follower-only.
func (r *Runner) FollowerHeartbeatObserver(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.mu.Lock()
			if !r.observedExecutionStarted {
				r.mu.Unlock()
				continue
			}
			since := monotonicNow().Sub(r.lastHeartbeatAt)
			if since > r.interval {
				r.missedIntervals++
			}
			missed := r.missedIntervals
			r.mu.Unlock()

			if missed >= missedThreshold && since >= missedMinElapsed {
				r.logger.Error("liveness: coordinator heartbeat lost", "missed_intervals", missed, "elapsed", since)
				if r.audit != nil {
					_ = r.audit.RecordLiveness(ctx, r.nodeID, r.coordinatorID, "coordinator_lost", since.String())
				}
				switch r.onLost {
				case kafuconfig.ShutdownSelf:
					if r.shutdownFn != nil {
						r.shutdownFn("coordinator heartbeat lost")
					}
					return nil
				case kafuconfig.Ignore:
					r.mu.Lock()
					r.missedIntervals = 0
					r.mu.Unlock()
				}
			}
		}
	}
}

// CoordinatorPeerMonitor periodically health-checks every follower,
// logging and auditing sustained unreachability. Coordinator-only.
func (r *Runner) CoordinatorPeerMonitor(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	failures := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for peerID, client := range r.peers.All() {
				ok, err := client.HealthCheck(ctx, rpc.HealthServiceBase)
				if err == nil && ok {
					failures[peerID] = 0
					continue
				}

				failures[peerID]++
				if failures[peerID] == peerMonitorThreshold {
					r.logger.Error("liveness: peer unreachable", "peer", peerID, "consecutive_failures", failures[peerID])
					if r.audit != nil {
						_ = r.audit.RecordLiveness(ctx, r.nodeID, peerID, "peer_unreachable", "health check failing")
					}
				}
			}
		}
	}
}

// RequestClusterShutdownAndExit fans a shutdown request out to every peer
// and returns once all have been contacted (best-effort — a failure to
// reach one peer does not block the others). The caller is responsible
// for actually exiting this process afterward.
func (r *Runner) RequestClusterShutdownAndExit(ctx context.Context, reason string) error {
	var wg sync.WaitGroup
	for peerID, client := range r.peers.All() {
		wg.Add(1)
		go func(peerID string, client *rpc.Client) {
			defer wg.Done()
			if _, err := client.Shutdown(ctx, rpc.ShutdownRequest{Reason: reason}); err != nil {
				r.logger.Warn("liveness: shutdown request failed", "peer", peerID, "error", err)
			}
		}(peerID, client)
	}
	wg.Wait()
	return nil
}
