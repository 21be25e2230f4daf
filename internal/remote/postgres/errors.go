package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jun/gophboard/internal/remote"
)

// classify maps SQLSTATE classes onto remote codes.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return remote.Status(remote.CodeDeadlineExceeded, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return remote.Status(remote.CodeAborted, op, err)
		case pgErr.Code == "42501", strings.HasPrefix(pgErr.Code, "28"):
			return remote.Status(remote.CodePermissionDenied, op, err)
		case strings.HasPrefix(pgErr.Code, "53"):
			return remote.Status(remote.CodeResourceExhausted, op, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return remote.Status(remote.CodeUnavailable, op, err)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return remote.Status(remote.CodeInvalidArgument, op, err)
		}
		return remote.Status(remote.CodeInternal, op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return remote.Status(remote.CodeUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
