package postgres

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// classify maps a pgx error onto a dialect-neutral backend error kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.AsBackendError(err); ok {
		return err
	}

	kind, code := kindOf(err)
	return apperrors.NewBackendError(string(dialect.Postgres), kind, code, err)
}

func kindOf(err error) (apperrors.BackendErrorKind, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.KindCanceled, ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return kindOfSQLState(pgErr.Code), pgErr.Code
	}

	if pgconn.Timeout(err) {
		return apperrors.KindTimeout, ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperrors.KindTimeout, ""
		}
		return apperrors.KindConnection, ""
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) {
		return apperrors.KindConnection, ""
	}
	return apperrors.KindUnknown, ""
}

// kindOfSQLState classifies a SQLSTATE code.
func kindOfSQLState(code string) apperrors.BackendErrorKind {
	switch code {
	case "40P01", "40001":
		return apperrors.KindDeadlock
	case "57014", "55P03":
		return apperrors.KindTimeout
	case "53300", "53400":
		return apperrors.KindRateLimit
	case "57P01", "57P02", "57P03":
		return apperrors.KindConnection
	case "42601", "42804", "42883":
		return apperrors.KindSyntax
	case "42P01", "42703", "3F000", "3D000":
		return apperrors.KindObjectNotFound
	case "42501":
		return apperrors.KindPermissionDenied
	}
	switch {
	case strings.HasPrefix(code, "08"):
		return apperrors.KindConnection
	case strings.HasPrefix(code, "23"):
		return apperrors.KindConstraintViolation
	case strings.HasPrefix(code, "42"):
		return apperrors.KindSyntax
	}
	return apperrors.KindUnknown
}
