package bilibili

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"api risk control -352", &APIError{Code: -352, Message: "risk control"}, KindRiskControl},
		{"api risk control -412", &APIError{Code: -412, Message: "blocked"}, KindRiskControl},
		{"http 412", &StatusError{StatusCode: http.StatusPreconditionFailed, URL: "u"}, KindRiskControl},
		{"wrapped risk control", fmt.Errorf("fetching: %w", &APIError{Code: -352}), KindRiskControl},
		{"api not found", &APIError{Code: -404}, KindNotFound},
		{"invalid video", &APIError{Code: 62002}, KindNotFound},
		{"http 404", &StatusError{StatusCode: http.StatusNotFound, URL: "u"}, KindNotFound},
		{"api forbidden", &APIError{Code: -403}, KindPermission},
		{"http 429", &StatusError{StatusCode: http.StatusTooManyRequests, URL: "u"}, KindRateLimit},
		{"api overload", &APIError{Code: -509}, KindRateLimit},
		{"context canceled", context.Canceled, KindCanceled},
		{"deadline", context.DeadlineExceeded, KindCanceled},
		{"pause cause", fmt.Errorf("aborted: %w", ErrScanPaused), KindCanceled},
		{"plain error", errors.New("boom"), KindUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPauseIsNeverRiskControl(t *testing.T) {
	// Pause and risk-control abort share the cancellation mechanism; only the
	// cause may distinguish them.
	assert.False(t, IsRiskControl(ErrScanPaused))
	assert.False(t, IsRiskControl(fmt.Errorf("scan stopped: %w", ErrScanPaused)))
	assert.True(t, IsRiskControl(fmt.Errorf("aborted: %w", ErrRiskControl)))
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindRateLimit.Retryable())
	assert.False(t, KindRiskControl.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindCanceled.Retryable())
}
