package bilibili

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// Sentinel errors recognized throughout the sync engine.
var (
	// ErrRiskControl marks an anti-automation lockout. It is terminal for the
	// current scan: the caller must stop scanning and globally reset pending
	// work.
	ErrRiskControl = errors.New("bilibili: risk control triggered")
	// ErrNotFound marks content the remote no longer resolves.
	ErrNotFound = errors.New("bilibili: content not found")
	// ErrPermission marks access the account is not allowed (paid lock,
	// region lock, private content).
	ErrPermission = errors.New("bilibili: permission denied")
	// ErrScanPaused is the cancellation cause used when an administrator
	// pauses a scan. It must never be classified as risk control.
	ErrScanPaused = errors.New("scan paused by user")
)

// API codes the remote uses for the conditions above.
var (
	riskControlCodes = map[int64]bool{-352: true, -412: true}
	notFoundCodes    = map[int64]bool{-404: true, 62002: true, 62012: true}
	permissionCodes  = map[int64]bool{-403: true, 87007: true, 87008: true}
)

// APIError is a non-zero business code returned by the remote API.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili api error %d: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case riskControlCodes[e.Code]:
		return ErrRiskControl
	case notFoundCodes[e.Code]:
		return ErrNotFound
	case permissionCodes[e.Code]:
		return ErrPermission
	}
	return nil
}

// StatusError is a non-200 HTTP response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bilibili: unexpected status %d from %s", e.StatusCode, e.URL)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusPreconditionFailed: // 412 is the lockout signature
		return ErrRiskControl
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrPermission
	}
	return nil
}

// Kind buckets any failure for logging severity and control flow.
type Kind int

const (
	KindUnclassified Kind = iota
	KindNotFound
	KindPermission
	KindNetwork
	KindTimeout
	KindRateLimit
	KindRiskControl
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindRiskControl:
		return "risk_control"
	case KindCanceled:
		return "canceled"
	default:
		return "unclassified"
	}
}

// Retryable reports whether failures of this kind are worth another attempt
// in a later cycle.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindUnclassified:
		return true
	}
	return false
}

// Classify inspects any failure and decides whether it indicates a risk
// control lockout, a not-found condition, a transient network fault, or a
// user-initiated pause. Pause is distinguished from risk control by the
// cancellation cause, never by the cancellation mechanism.
func Classify(err error) Kind {
	if err == nil {
		return KindUnclassified
	}
	switch {
	case errors.Is(err, ErrScanPaused):
		return KindCanceled
	case errors.Is(err, ErrRiskControl):
		return KindRiskControl
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrPermission), errors.Is(err, os.ErrPermission):
		return KindPermission
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
		return KindRateLimit
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == -509 {
		return KindRateLimit
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "connection reset") {
		return KindNetwork
	}
	return KindUnclassified
}

// IsRiskControl is a shorthand for the one classification that changes
// control flow everywhere.
func IsRiskControl(err error) bool {
	return Classify(err) == KindRiskControl
}
