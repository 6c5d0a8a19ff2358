// Package errs classifies store-layer failures into the four kinds the
// ingest and evaluation jobs need to react to differently: malformed
// input is skipped and counted, a constraint violation is retried as
// an update (or surfaced fatal if that still fails), a transient store
// error is retried with backoff at the batch boundary, and a logic
// invariant breach is fatal to the entity being processed but not to
// the whole job.
package errs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Kind categorizes a store-layer error for job-boundary handling.
type Kind int

const (
	// KindUnknown is returned for errors classify can't place; callers
	// should treat these as transient and retry, the conservative
	// default for anything database/sql didn't tag.
	KindUnknown Kind = iota
	KindMalformed
	KindConstraint
	KindTransient
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed_input"
	case KindConstraint:
		return "constraint_violation"
	case KindTransient:
		return "transient_store_error"
	case KindInvariant:
		return "invariant_breach"
	default:
		return "unknown"
	}
}

// Classify inspects a database/sql driver error and reports which kind
// it falls under. Postgres unique-violation is SQLSTATE 23505; MySQL's
// equivalent is error number 1062. Connection-level failures from
// either driver are treated as transient.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return KindConstraint
		case "08": // connection exception
			return KindTransient
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062: // ER_DUP_ENTRY
			return KindConstraint
		case 1040, 1053, 1205, 2002, 2003, 2006, 2013:
			return KindTransient
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint") || strings.Contains(msg, "violates"):
		return KindConstraint
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"):
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried at the batch
// boundary rather than immediately falling back to per-row writes.
func IsTransient(err error) bool {
	k := Classify(err)
	return k == KindTransient || k == KindUnknown
}

// RetryBackoff calls fn up to attempts times, waiting base*2^i between
// attempt i and i+1. It stops early and returns as soon as fn succeeds
// or returns a non-transient error — constraint violations and
// invariant breaches are the caller's to handle, not to retry.
func RetryBackoff(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		wait := base * time.Duration(int64(1)<<uint(i))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
