package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// streamPage is how many stream entries are read per round trip.
const streamPage = 500

// OperationHistory lists finished operations of one account, newest first.
type OperationHistory interface {
	Recent(ctx context.Context, account common.Address, limit int) ([]domain.OperationRecord, error)
}

// AuditHistory reads finished operations from the audit log.
type AuditHistory struct {
	store domain.AuditStore
}

func NewAuditHistory(store domain.AuditStore) *AuditHistory {
	return &AuditHistory{store: store}
}

func (h *AuditHistory) Recent(ctx context.Context, account common.Address, limit int) ([]domain.OperationRecord, error) {
	entries, err := h.store.List(ctx, domain.ListOpts{
		Event:   domain.AuditOperationFinished,
		Account: account.Hex(),
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("service: list audit: %w", err)
	}
	out := make([]domain.OperationRecord, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return nil, fmt.Errorf("service: audit entry %d: %w", e.ID, err)
		}
		var rec domain.OperationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("service: audit entry %d: %w", e.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// StreamReader reads a durable stream. domain.SignalBus satisfies it.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// StreamHistory reads finished operations from the operations stream. Used
// when no audit database is configured.
type StreamHistory struct {
	stream StreamReader
	logger *slog.Logger
}

func NewStreamHistory(stream StreamReader, logger *slog.Logger) *StreamHistory {
	return &StreamHistory{stream: stream, logger: logger.With(slog.String("component", "stream_history"))}
}

func (h *StreamHistory) Recent(ctx context.Context, account common.Address, limit int) ([]domain.OperationRecord, error) {
	var out []domain.OperationRecord
	lastID := ""
	for {
		msgs, err := h.stream.StreamRead(ctx, domain.StreamOperations, lastID, streamPage)
		if err != nil {
			return nil, fmt.Errorf("service: read %s: %w", domain.StreamOperations, err)
		}
		for _, m := range msgs {
			var rec domain.OperationRecord
			if err := json.Unmarshal(m.Payload, &rec); err != nil {
				h.logger.WarnContext(ctx, "skipping undecodable history entry",
					slog.String("id", m.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if rec.Account != account {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) > limit {
				out = out[1:]
			}
		}
		if len(msgs) < streamPage {
			break
		}
		lastID = msgs[len(msgs)-1].ID
	}
	slices.Reverse(out)
	return out, nil
}
