// Package auditchain makes the opportunity status audit log
// tamper-evident: every appended row is chained to the previous one by
// a SHA-256 hash over its canonical JSON form, and the chain head can
// be periodically checkpointed with a detached ECDSA signature.
package auditchain

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

// zeroHash seeds a brand-new chain; the first appended row carries
// this as hash_prev.
func zeroHash() string { return "" }

// entryForHash is the subset of a log row that gets hashed — the
// chain fields themselves are excluded, same as the row they augment.
type entryForHash struct {
	OpportunityID int64  `json:"opportunity_id"`
	FromStatus    string `json:"from_status"`
	ToStatus      string `json:"to_status"`
	Actor         string `json:"actor"`
	ChangedAt     string `json:"changed_at"`
	Reason        string `json:"reason"`
}

// Canonicalize returns the RFC 8785 canonical JSON form of an audit
// log entry's hashable fields.
func Canonicalize(e *model.OpportunityAuditLog) (string, error) {
	h := entryForHash{
		OpportunityID: e.OpportunityID,
		FromStatus:    string(e.FromStatus),
		ToStatus:      string(e.ToStatus),
		Actor:         e.Actor,
		ChangedAt:     e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		Reason:        e.Reason,
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	return string(canon), nil
}

// Chain appends status-transition rows to the opportunity audit log,
// maintaining the running hash chain.
type Chain struct {
	Store *store.Store
}

// New constructs a Chain.
func New(s *store.Store) *Chain {
	return &Chain{Store: s}
}

// Append records one status transition, computing its chain hash from
// the current chain head, and persists it.
func (c *Chain) Append(ctx context.Context, e *model.OpportunityAuditLog) (int64, error) {
	head, index, err := c.head(ctx)
	if err != nil {
		return 0, err
	}

	canon, err := Canonicalize(e)
	if err != nil {
		return 0, err
	}
	sum := sha256.Sum256([]byte(head + "|" + canon))

	e.HashPrev = head
	e.Hash = hex.EncodeToString(sum[:])
	e.HashChainIndex = index + 1

	id, err := c.Store.AppendAuditLogEntry(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("append audit chain entry: %w", err)
	}
	logger.L().Debugw("auditchain: appended entry",
		"opportunity_id", e.OpportunityID, "chain_index", e.HashChainIndex, "to_status", e.ToStatus)
	return id, nil
}

// Transition atomically moves an opportunity to a new status and
// appends the chained audit row recording it, locking both the
// opportunity row and the chain head for the duration of the
// transaction so concurrent transitions can't interleave.
func (c *Chain) Transition(ctx context.Context, opportunityID int64, to model.OpportunityStatus, actor, reason string, at time.Time) error {
	return c.Store.WithTx(ctx, func(tx *sql.Tx) error {
		from, err := c.Store.OpportunityStatusForUpdate(ctx, tx, opportunityID)
		if err != nil {
			return err
		}

		last, err := c.Store.LatestAuditLogEntryTx(ctx, tx)
		if err != nil {
			return err
		}
		head, index := zeroHash(), 0
		if last != nil {
			head, index = last.Hash, last.HashChainIndex
		}

		e := &model.OpportunityAuditLog{
			OpportunityID: opportunityID,
			FromStatus:    from,
			ToStatus:      to,
			Actor:         actor,
			Timestamp:     at.UTC(),
			Reason:        reason,
		}
		canon, err := Canonicalize(e)
		if err != nil {
			return err
		}
		sum := sha256.Sum256([]byte(head + "|" + canon))
		e.HashPrev = head
		e.Hash = hex.EncodeToString(sum[:])
		e.HashChainIndex = index + 1

		if err := c.Store.SetOpportunityStatus(ctx, tx, opportunityID, to); err != nil {
			return fmt.Errorf("update opportunity status: %w", err)
		}
		if _, err := c.Store.AppendAuditLogEntryTx(ctx, tx, e); err != nil {
			return fmt.Errorf("append audit chain entry: %w", err)
		}

		logger.L().Infow("auditchain: transitioned opportunity",
			"opportunity_id", opportunityID, "from", from, "to", to, "actor", actor, "chain_index", e.HashChainIndex)
		return nil
	})
}

func (c *Chain) head(ctx context.Context) (hash string, index int, err error) {
	last, err := c.Store.LatestAuditLogEntry(ctx)
	if err != nil {
		return "", 0, err
	}
	if last == nil {
		return zeroHash(), 0, nil
	}
	return last.Hash, last.HashChainIndex, nil
}

// Verify recomputes the hash chain for every entry with index greater
// than afterIndex and reports any indices whose stored hash doesn't
// match, along with the resulting head hash.
func (c *Chain) Verify(ctx context.Context, afterIndex int) (tampered []int, head string, processed int, err error) {
	var priorHead string
	if afterIndex > 0 {
		entries, err := c.Store.AuditLogEntriesFrom(ctx, afterIndex-1)
		if err != nil {
			return nil, "", 0, err
		}
		if len(entries) > 0 {
			priorHead = entries[0].Hash
		}
	}

	entries, err := c.Store.AuditLogEntriesFrom(ctx, afterIndex)
	if err != nil {
		return nil, "", 0, err
	}

	head = priorHead
	for _, e := range entries {
		canon, cerr := Canonicalize(e)
		if cerr != nil {
			return tampered, head, processed, cerr
		}
		sum := sha256.Sum256([]byte(head + "|" + canon))
		want := hex.EncodeToString(sum[:])

		if e.HashPrev != head || want != e.Hash {
			tampered = append(tampered, e.HashChainIndex)
		}
		head = e.Hash
		processed++
	}
	return tampered, head, processed, nil
}
