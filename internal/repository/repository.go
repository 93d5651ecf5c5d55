// Package repository provides data access interfaces and implementations
// for the Crawler Extractor service.
//
// # Overview
//
// PaperRepository is the only persistence boundary of the processing core.
// PgPaperRepository stores papers in PostgreSQL. MemoryPaperRepository keeps
// them in process and backs tests and local runs.
//
// # Thread Safety
//
// All repository implementations are safe for concurrent use by multiple goroutines.
// The underlying pgxpool handles connection pooling and synchronization.
//
// # Error Handling
//
// All methods return domain-specific errors from the domain package:
//
//   - domain.ErrNotFound: the paper does not exist
//   - domain.ErrAlreadyExists: a unique constraint rejected an insert; the
//     AlreadyExistsError names the colliding field ("title", "topic" or "id")
//   - domain.ErrInvalidInput: a foreign key or check constraint rejected the write
//   - domain.ErrTransient: the connection dropped and retries were exhausted
//
// Transient failures are retried up to three times with a linear backoff
// before they are surfaced.
//
// # Usage Pattern
//
//	db, _ := database.New(ctx, cfg, logger)
//	papers := repository.NewPgPaperRepository(db)
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/crawler-extractor/internal/database"
	"github.com/helixir/crawler-extractor/internal/domain"
)

// DBTX is the database interface supporting both pool and transaction contexts.
//
//	err := pool.BeginFunc(ctx, func(tx pgx.Tx) error {
//	    return repository.NewPgPaperRepository(tx).UpdatePdfMD5(ctx, id, sum)
//	})
type DBTX = database.DBTX

// Transient retry policy.
const maxTransientRetries = 3

// retryBaseDelay is multiplied by the retry number. Tests shorten it.
var retryBaseDelay = 200 * time.Millisecond

// transientMarkers are substrings of driver errors that indicate the
// connection went away mid-request.
var transientMarkers = []string{
	"server disconnected",
	"connection terminated",
	"connection reset",
	"broken pipe",
	"conn closed",
	"unexpected eof",
}

// withRetry runs fn and repeats it while it fails with a transient error.
func withRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt >= maxTransientRetries {
			return domain.NewTransientError(op, err)
		}
		attempt++

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(retryBaseDelay * time.Duration(attempt)):
		}
	}
}

// isTransient reports whether err looks like a dropped connection.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrTransient) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01 is admin shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01"
	}

	if pgconn.SafeToRetry(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// mapWriteError converts constraint violations into domain errors.
func mapWriteError(err error, value string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case "23505":
		return domain.NewAlreadyExistsError("paper", uniqueField(pgErr.ConstraintName), value)
	case "23503", "23514":
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, pgErr.Message)
	}
	return err
}

// uniqueField names the key guarded by a unique constraint.
func uniqueField(constraint string) string {
	name := strings.ToLower(constraint)
	switch {
	case strings.Contains(name, "topic"):
		return "topic"
	case strings.Contains(name, "title"):
		return "title"
	case strings.HasSuffix(name, "_pkey"):
		return "id"
	default:
		return constraint
	}
}
