// Package vector coordinates the external vector database: collection
// lifecycle, upserts, filtered search, scroll, and payload patches.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
)

// transientPatterns mark errors worth retrying.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"service unavailable",
	"too many requests",
	"temporarily unavailable",
	"unavailable",
	"eof",
}

// notFoundPatterns short-circuit retries: a missing collection or point is
// an expected state, not a transient fault.
var notFoundPatterns = []string{
	"not found",
	"doesn't exist",
	"does not exist",
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range notFoundPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func isRetryable(err error) bool {
	if err == nil || isNotFound(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// withRetry runs op up to maxAttempts times with exponential backoff
// (1s, 2s, 4s). Not-found and non-transient errors return immediately.
func withRetry(ctx context.Context, logger *slog.Logger, name string, op func() error) error {
	var err error
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !isRetryable(err) || attempt == maxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
		}
		logger.Warn("vector store operation failed, retrying",
			slog.String("op", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
		}
		backoff *= 2
	}
	return err
}
