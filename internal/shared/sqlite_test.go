package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: database busy"), true},
		{fmt.Errorf("insert turn: %w", errors.New("database is locked (5)")), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tt := range tests {
		if got := IsSQLiteConflictError(tt.err); got != tt.want {
			t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnConflict(t *testing.T) {
	busy := errors.New("database is locked")

	calls := 0
	err := RetryOnConflict(context.Background(), "insert", 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v after %d calls, want success on third", err, calls)
	}

	calls = 0
	err = RetryOnConflict(context.Background(), "insert", 2, time.Millisecond, func() error {
		calls++
		return busy
	})
	if !errors.Is(err, busy) || calls != 2 {
		t.Fatalf("err = %v after %d calls, want wrapped busy after 2", err, calls)
	}

	calls = 0
	fatal := errors.New("no such table")
	err = RetryOnConflict(context.Background(), "insert", 5, time.Millisecond, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("err = %v after %d calls, want immediate failure", err, calls)
	}
}

func TestRetryOnConflictHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryOnConflict(ctx, "insert", 5, time.Hour, func() error {
		return errors.New("SQLITE_BUSY")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
