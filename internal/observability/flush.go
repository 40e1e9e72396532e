package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry exports pending spans, then syncs the logger. It runs after
// in-flight requests drain. shutdownTracing may be nil.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, shutdownTracing func(context.Context) error) error {
	var errs []error
	if shutdownTracing != nil {
		if err := shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil && !ignorableSyncError(err) {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ignorableSyncError reports whether err comes from fsync on a terminal or pipe,
// which zap surfaces for stdout/stderr sinks even though nothing was lost.
func ignorableSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF)
}
