package mssql

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strconv"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// classify maps a go-mssqldb error onto a dialect-neutral backend error kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.AsBackendError(err); ok {
		return err
	}
	kind, code := kindOf(err)
	return apperrors.NewBackendError(string(dialect.MSSQL), kind, code, err)
}

func kindOf(err error) (apperrors.BackendErrorKind, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.KindCanceled, ""
	}

	var sqlErr mssqldb.Error
	if errors.As(err, &sqlErr) {
		n := sqlErr.SQLErrorNumber()
		return kindOfNumber(n), strconv.Itoa(int(n))
	}

	if errors.Is(err, driver.ErrBadConn) {
		return apperrors.KindConnection, ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperrors.KindTimeout, ""
		}
		return apperrors.KindConnection, ""
	}
	return apperrors.KindUnknown, ""
}

// kindOfNumber classifies a SQL Server error number.
func kindOfNumber(n int32) apperrors.BackendErrorKind {
	switch n {
	case 1205:
		return apperrors.KindDeadlock
	case 1222, -2:
		return apperrors.KindTimeout
	case 40501, 10928, 10929, 49918, 49919, 49920:
		return apperrors.KindRateLimit
	case 40613, 40197, 4060, 233, 10053, 10054, 10060:
		return apperrors.KindConnection
	case 102, 105, 156, 170, 4145:
		return apperrors.KindSyntax
	case 207, 208, 2812, 15151:
		return apperrors.KindObjectNotFound
	case 229, 230, 262, 300, 916:
		return apperrors.KindPermissionDenied
	case 515, 547, 2601, 2627:
		return apperrors.KindConstraintViolation
	}
	return apperrors.KindUnknown
}
