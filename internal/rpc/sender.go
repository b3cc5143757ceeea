package rpc

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/kafu/internal/engine"
	"github.com/manthysbr/kafu/internal/kafuerr"
	"github.com/manthysbr/kafu/internal/migration"
)

const (
	sendMaxAttempts  = 5
	sendInitialDelay = 200 * time.Millisecond
	sendMaxDelay     = 2 * time.Second
)

// AuditLog is the narrow interface the sender and receiver need from the
// migration audit store (SPEC_FULL.md §2B): recording one outcome per
// migration attempt.
// Defined here rather than depending on internal/audit directly, so this
// package stays usable without an audit backend wired in.
type AuditLog interface {
	RecordMigration(ctx context.Context, migrationID, nodeID, direction, kind, peer string, mainBytes, snapifyBytes uint64, outcome string) error
}

// PeerResolver maps a node id to the Client for reaching it.
type PeerResolver interface {
	Client(nodeID string) (*Client, bool)
}

// Sender implements C4: negotiate the destination's cache state, checkpoint
// the guest, build a full-or-delta migration request, send it with retry,
// and update the local snapshot cache only once the send has actually
// succeeded (SPEC_FULL.md §4.4).
type Sender struct {
	logger   *slog.Logger
	instance *engine.Instance
	cache    *migration.SnapshotCache
	peers    PeerResolver
	audit    AuditLog // optional
}

// NewSender builds a Sender for one node's instance.
func NewSender(logger *slog.Logger, instance *engine.Instance, cache *migration.SnapshotCache, peers PeerResolver, audit AuditLog) *Sender {
	return &Sender{logger: logger, instance: instance, cache: cache, peers: peers, audit: audit}
}

// Send carries out the full C4 pipeline for one pending migration request
// produced by the engine's migration-point callback.
func (s *Sender) Send(ctx context.Context, pending *engine.PendingMigration) error {
	client, ok := s.peers.Client(pending.ToNodeID)
	if !ok {
		return kafuerr.Newf(kafuerr.Migration, "unknown destination node %q", pending.ToNodeID)
	}

	digest := s.instance.ModuleDigest()
	digestHex := hex.EncodeToString(digest[:])

	attemptID := uuid.NewString()
	outcome := "failed"
	var lastReq MigrateRequest
	defer func() {
		if s.audit != nil {
			_ = s.audit.RecordMigration(ctx, attemptID, s.instance.NodeID(), "send", reasonName(pending.Reason), pending.ToNodeID,
				memBytes(lastReq.MainFull, lastReq.MainDelta), memBytes(lastReq.SnapifyFull, lastReq.SnapifyDelta), outcome)
		}
	}()

	sendErr := s.sendWithRetry(ctx, client, func() (MigrateRequest, error) {
		req, err := s.buildRequest(ctx, client, pending, digestHex)
		if err == nil {
			lastReq = req
		}
		return req, err
	})
	if sendErr != nil {
		return sendErr
	}

	outcome = "success"
	main, snapify := s.instance.Baseline()
	s.cache.Put(digest, main, snapify)
	return nil
}

func (s *Sender) buildRequest(ctx context.Context, client *Client, pending *engine.PendingMigration, digestHex string) (MigrateRequest, error) {
	req := MigrateRequest{
		FromNodeID:   s.instance.NodeID(),
		ModuleDigest: digestHex,
		Reason:       int32(pending.Reason),
		FuncName:     pending.FuncMeta.Name,
		Compressed:   true,
	}

	peerHasCache, err := client.CheckSnapshotCache(ctx, digestHex)
	if err != nil {
		s.logger.Warn("rpc: check-snapshot-cache failed, falling back to full snapshot", "peer", pending.ToNodeID, "error", err)
		peerHasCache = false
	}

	useDelta := peerHasCache && s.instance.HasBaseline()

	if useDelta {
		mainPages, snapifyPages, mainLen, snapifyLen, err := s.instance.CheckpointAndGetDeltaPages(ctx)
		if err != nil {
			return MigrateRequest{}, err
		}
		mainDelta, err := compressPages(mainPages)
		if err != nil {
			return MigrateRequest{}, err
		}
		snapifyDelta, err := compressPages(snapifyPages)
		if err != nil {
			return MigrateRequest{}, err
		}
		req.MainDelta = &MemoryDelta{Pages: mainDelta, Len: mainLen}
		req.SnapifyDelta = &MemoryDelta{Pages: snapifyDelta, Len: snapifyLen}
	} else {
		main, snapify, err := s.instance.GetSnapshotInto(ctx)
		if err != nil {
			return MigrateRequest{}, err
		}
		mainFramed, err := migration.Compress(main)
		if err != nil {
			return MigrateRequest{}, err
		}
		snapifyFramed, err := migration.Compress(snapify)
		if err != nil {
			return MigrateRequest{}, err
		}
		req.MainFull = &MemoryImage{Bytes: mainFramed, Len: uint64(len(main))}
		req.SnapifyFull = &MemoryImage{Bytes: snapifyFramed, Len: uint64(len(snapify))}
	}

	return req, nil
}

func compressPages(pages []migration.Page) ([]MemoryDeltaPage, error) {
	out := make([]MemoryDeltaPage, len(pages))
	for i, p := range pages {
		framed, err := migration.Compress(p.Data)
		if err != nil {
			return nil, err
		}
		out[i] = MemoryDeltaPage{Index: p.Index, Data: framed}
	}
	return out, nil
}

// sendWithRetry implements the 5-attempt, 200ms→2s-doubling backoff policy
// (SPEC_FULL.md §4.4), retrying only transport-classified failures — a
// rejected request (bad digest, malformed body) is never retryable. Per
// SPEC_FULL.md §4.4 "on each retry, re-checkpoint … and let
// CheckSnapshotCache re-decide delta vs full", buildReq is invoked fresh on
// every attempt rather than once up front: a prior attempt may have left
// the peer's cache state different (or a concurrent sender to the same
// peer may have primed it), so a retry should re-negotiate rather than
// resend a stale decision.
func (s *Sender) sendWithRetry(ctx context.Context, client *Client, buildReq func() (MigrateRequest, error)) error {
	delay := sendInitialDelay
	var lastErr error

	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		req, err := buildReq()
		if err != nil {
			return err
		}

		resp, err := client.Migrate(ctx, req)
		if err == nil {
			if !resp.Accepted {
				return kafuerr.Newf(kafuerr.Migration, "peer rejected migration: %s", resp.Error)
			}
			return nil
		}

		lastErr = err
		if !kafuerr.IsTransport(err) {
			return err
		}

		s.logger.Warn("rpc: migrate attempt failed, retrying", "attempt", attempt, "error", err)
		if attempt == sendMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return kafuerr.Wrap(kafuerr.Migration, "migration send cancelled", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > sendMaxDelay {
			delay = sendMaxDelay
		}
	}

	return kafuerr.Wrap(kafuerr.Migration, "migration send exhausted retries", lastErr)
}

func reasonName(r engine.Reason) string {
	if r == engine.FuncExit {
		return "func_exit"
	}
	return "func_entry"
}

func memBytes(full *MemoryImage, delta *MemoryDelta) uint64 {
	if full != nil {
		return full.Len
	}
	if delta != nil {
		return delta.Len
	}
	return 0
}
