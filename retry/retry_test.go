package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flaggedError struct {
	retryable bool
}

func (e *flaggedError) Error() string   { return "flagged" }
func (e *flaggedError) Retryable() bool { return e.retryable }

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &flaggedError{retryable: true}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	wantErr := &flaggedError{retryable: true}
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	wantErr := &flaggedError{retryable: false}
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUnclassifiedErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return errors.New("plain failure")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, Config{MaxAttempts: 5, InitialDelay: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return &flaggedError{retryable: true}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoDefaultsAreApplied(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, defaultMaxAttempts, cfg.MaxAttempts)
	require.Equal(t, defaultInitialDelay, cfg.InitialDelay)
	require.Equal(t, defaultMaxDelay, cfg.MaxDelay)
	require.Equal(t, defaultMultiplier, cfg.Multiplier)
}
