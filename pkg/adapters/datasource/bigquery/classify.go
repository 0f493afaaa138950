package bigquery

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// classify maps BigQuery API and job errors onto a dialect-neutral backend error kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.AsBackendError(err); ok {
		return err
	}
	kind, code := kindOf(err)
	return apperrors.NewBackendError(string(dialect.BigQuery), kind, code, err)
}

func kindOf(err error) (apperrors.BackendErrorKind, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.KindCanceled, ""
	}

	var jobErr *bigquery.Error
	if errors.As(err, &jobErr) {
		return kindOfReason(jobErr.Reason), jobErr.Reason
	}

	var multi bigquery.MultiError
	if errors.As(err, &multi) && len(multi) > 0 {
		return kindOf(multi[0])
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		for _, item := range apiErr.Errors {
			if k := kindOfReason(item.Reason); k != apperrors.KindUnknown {
				return k, item.Reason
			}
		}
		return kindOfStatus(apiErr.Code), strconv.Itoa(apiErr.Code)
	}
	return apperrors.KindUnknown, ""
}

// kindOfReason classifies the documented BigQuery error reasons.
func kindOfReason(reason string) apperrors.BackendErrorKind {
	switch reason {
	case "rateLimitExceeded", "quotaExceeded", "jobRateLimitExceeded":
		return apperrors.KindRateLimit
	case "backendError", "internalError", "jobBackendError", "jobInternalError":
		return apperrors.KindConnection
	case "timeout":
		return apperrors.KindTimeout
	case "invalidQuery", "invalid":
		return apperrors.KindSyntax
	case "notFound":
		return apperrors.KindObjectNotFound
	case "accessDenied", "billingNotEnabled", "responseTooLarge":
		return apperrors.KindPermissionDenied
	case "duplicate":
		return apperrors.KindConstraintViolation
	case "stopped":
		return apperrors.KindCanceled
	}
	return apperrors.KindUnknown
}

func kindOfStatus(code int) apperrors.BackendErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return apperrors.KindRateLimit
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return apperrors.KindConnection
	case http.StatusGatewayTimeout:
		return apperrors.KindTimeout
	case http.StatusBadRequest:
		return apperrors.KindSyntax
	case http.StatusNotFound:
		return apperrors.KindObjectNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.KindPermissionDenied
	case http.StatusConflict:
		return apperrors.KindConstraintViolation
	}
	return apperrors.KindUnknown
}

func ignoreDone(err error) error {
	if errors.Is(err, iterator.Done) {
		return nil
	}
	return err
}
