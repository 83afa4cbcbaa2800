package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Run calls fn with a context that is cancelled with ErrTimeout once the
// wall-clock budget is spent, then tears the session down. Teardown also
// runs when fn panics; the panic is re-raised afterwards.
func (e *Environment) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	remaining := e.cfg.MaxTime - e.Elapsed()
	if remaining < 0 {
		remaining = 0
	}
	timer := time.AfterFunc(remaining, func() {
		e.logger.Warn("wall-clock budget exhausted", zap.Duration("max_time", e.cfg.MaxTime))
		cancel(ErrTimeout)
	})

	defer func() {
		timer.Stop()
		if r := recover(); r != nil {
			_ = e.closeWith(fmt.Errorf("panic: %v\n\n%s", r, debug.Stack()))
			panic(r)
		}
		if cerr := e.closeWith(err); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}()

	return fn(ctx)
}

// Close tears the session down without recording a failure. It is safe to
// call more than once; only the first call has any effect.
func (e *Environment) Close() error {
	return e.closeWith(nil)
}

func (e *Environment) closeWith(cause error) error {
	e.closeOnce.Do(func() {
		e.closeErr = e.teardown(cause)
	})
	return e.closeErr
}

// teardown kills every child process still running, records the failure
// that ended the session if there was one, and writes the elapsed time.
func (e *Environment) teardown(cause error) error {
	var errs error
	if active := e.procs.Active(); active > 0 {
		e.logger.Info("killing child processes", zap.Int("count", active))
		errs = multierr.Append(errs, e.procs.KillAll())
	}

	if cause != nil {
		e.logger.Error("session failed", zap.Error(cause))
		if err := os.WriteFile(filepath.Join(e.logDir, errorFile), []byte(cause.Error()), 0o644); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("write %s: %w", errorFile, err))
		}
	}

	elapsed := e.Elapsed().Seconds()
	if err := os.WriteFile(filepath.Join(e.logDir, timeFile), []byte(strconv.FormatFloat(elapsed, 'f', -1, 64)), 0o644); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("write %s: %w", timeFile, err))
	}
	e.logger.Info("session closed",
		zap.Int("steps", len(e.trace.Steps)),
		zap.Float64("elapsed_seconds", elapsed))
	return errs
}
