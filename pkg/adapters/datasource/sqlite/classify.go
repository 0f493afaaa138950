package sqlite

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// classify maps a modernc sqlite error onto a dialect-neutral backend error kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.AsBackendError(err); ok {
		return err
	}
	kind, code := kindOf(err)
	return apperrors.NewBackendError(string(dialect.SQLite), kind, code, err)
}

func kindOf(err error) (apperrors.BackendErrorKind, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.KindCanceled, ""
	}

	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return apperrors.KindUnknown, ""
	}

	// Extended result codes carry the primary code in the low byte.
	code := sqlErr.Code()
	primary := code & 0xff
	codeStr := strconv.Itoa(code)

	switch primary {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return apperrors.KindDeadlock, codeStr
	case sqlite3.SQLITE_CONSTRAINT:
		return apperrors.KindConstraintViolation, codeStr
	case sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_READONLY:
		return apperrors.KindPermissionDenied, codeStr
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
		return apperrors.KindConnection, codeStr
	case sqlite3.SQLITE_INTERRUPT:
		return apperrors.KindCanceled, codeStr
	}

	msg := strings.ToLower(sqlErr.Error())
	switch {
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"):
		return apperrors.KindObjectNotFound, codeStr
	case strings.Contains(msg, "syntax error"), strings.Contains(msg, "incomplete input"):
		return apperrors.KindSyntax, codeStr
	}
	return apperrors.KindUnknown, codeStr
}
