package errs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestClassify_PostgresUniqueViolation(t *testing.T) {
	err := &pq.Error{Code: "23505"}
	require.Equal(t, KindConstraint, Classify(err))
}

func TestClassify_PostgresConnectionException(t *testing.T) {
	err := &pq.Error{Code: "08006"}
	require.Equal(t, KindTransient, Classify(err))
}

func TestClassify_MySQLDuplicateEntry(t *testing.T) {
	err := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	require.Equal(t, KindConstraint, Classify(err))
}

func TestClassify_MySQLConnectionRefused(t *testing.T) {
	err := &mysql.MySQLError{Number: 2003, Message: "Can't connect"}
	require.Equal(t, KindTransient, Classify(err))
}

func TestClassify_MessageSniffFallback(t *testing.T) {
	require.Equal(t, KindConstraint, Classify(errors.New("duplicate key value violates unique constraint")))
	require.Equal(t, KindTransient, Classify(errors.New("read tcp: connection reset by peer")))
	require.Equal(t, KindUnknown, Classify(errors.New("something else entirely")))
}

func TestClassify_NilError(t *testing.T) {
	require.Equal(t, KindUnknown, Classify(nil))
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(errors.New("connection timeout")))
	require.True(t, IsTransient(errors.New("unrecognized error")), "unknown kind is treated as retryable")
	require.False(t, IsTransient(&pq.Error{Code: "23505"}))
}

func TestRetryBackoff_SucceedsWithoutRetryOnNilError(t *testing.T) {
	calls := 0
	err := RetryBackoff(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryBackoff_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := RetryBackoff(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryBackoff_StopsImmediatelyOnConstraintViolation(t *testing.T) {
	calls := 0
	err := RetryBackoff(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &pq.Error{Code: "23505"}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "a constraint violation is not retried")
}

func TestRetryBackoff_ExhaustsAttemptsOnPersistentTransientError(t *testing.T) {
	calls := 0
	err := RetryBackoff(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errors.New("connection timeout")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryBackoff_ContextCancellationStopsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryBackoff(ctx, 3, 10*time.Millisecond, func() error {
		calls++
		return errors.New("connection timeout")
	})
	require.Error(t, err)
	require.LessOrEqual(t, calls, 3)
}
