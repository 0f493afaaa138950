package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
)

func TestClassify_SQLState(t *testing.T) {
	tests := []struct {
		code      string
		kind      apperrors.BackendErrorKind
		transient bool
	}{
		{"40P01", apperrors.KindDeadlock, true},
		{"40001", apperrors.KindDeadlock, true},
		{"57014", apperrors.KindTimeout, true},
		{"53300", apperrors.KindRateLimit, true},
		{"08006", apperrors.KindConnection, true},
		{"42601", apperrors.KindSyntax, false},
		{"42P01", apperrors.KindObjectNotFound, false},
		{"42501", apperrors.KindPermissionDenied, false},
		{"23505", apperrors.KindConstraintViolation, false},
		{"XX000", apperrors.KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classify(fmt.Errorf("exec: %w", &pgconn.PgError{Code: tt.code, Message: "boom"}))

			be, ok := apperrors.AsBackendError(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.code, be.Code)
			assert.Equal(t, "postgres", be.Dialect)
			assert.Equal(t, tt.transient, be.Transient())
		})
	}
}

func TestClassify_ContextCanceled(t *testing.T) {
	be, ok := apperrors.AsBackendError(classify(context.Canceled))
	require.True(t, ok)
	assert.Equal(t, apperrors.KindCanceled, be.Kind)
	assert.False(t, be.Transient())
}

func TestClassify_NilAndAlreadyClassified(t *testing.T) {
	assert.NoError(t, classify(nil))

	orig := apperrors.NewBackendError("postgres", apperrors.KindTimeout, "", errors.New("slow"))
	assert.Same(t, orig, classify(orig))
}
