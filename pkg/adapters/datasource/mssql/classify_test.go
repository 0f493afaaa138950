package mssql

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"

	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
)

func TestClassify_ErrorNumbers(t *testing.T) {
	tests := []struct {
		number    int32
		kind      apperrors.BackendErrorKind
		transient bool
	}{
		{1205, apperrors.KindDeadlock, true},
		{1222, apperrors.KindTimeout, true},
		{40501, apperrors.KindRateLimit, true},
		{40613, apperrors.KindConnection, true},
		{102, apperrors.KindSyntax, false},
		{208, apperrors.KindObjectNotFound, false},
		{229, apperrors.KindPermissionDenied, false},
		{2627, apperrors.KindConstraintViolation, false},
		{50000, apperrors.KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.number), func(t *testing.T) {
			err := classify(fmt.Errorf("exec: %w", mssqldb.Error{Number: tt.number, Message: "boom"}))

			be, ok := apperrors.AsBackendError(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, fmt.Sprint(tt.number), be.Code)
			assert.Equal(t, "mssql", be.Dialect)
			assert.Equal(t, tt.transient, be.Transient())
		})
	}
}

func TestClassify_DriverErrors(t *testing.T) {
	be, ok := apperrors.AsBackendError(classify(driver.ErrBadConn))
	require.True(t, ok)
	assert.Equal(t, apperrors.KindConnection, be.Kind)

	be, ok = apperrors.AsBackendError(classify(context.DeadlineExceeded))
	require.True(t, ok)
	assert.Equal(t, apperrors.KindCanceled, be.Kind)
}
