package services

import (
	"context"
	"sync"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
)

// ScanState tracks the single scan a process may run at a time. Pause and
// risk-control abort share one cancellation signal; they are told apart by
// the cancellation cause, never by the mechanism.
type ScanState struct {
	mu     sync.RWMutex
	cancel context.CancelCauseFunc
}

// Start begins a scan, returning a context whose cancellation is the scan's
// shared signal. The second return is false when a scan is already active.
func (s *ScanState) Start(parent context.Context) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, false // Already scanning
	}

	ctx, cancel := context.WithCancelCause(parent)
	s.cancel = cancel
	return ctx, true
}

// IsScanning reports whether a scan is in flight.
func (s *ScanState) IsScanning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancel != nil
}

// Pause cancels the in-flight scan on behalf of an administrator. The cause
// marks this as a pause so nothing downstream treats it as risk control.
func (s *ScanState) Pause() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cancel != nil {
		s.cancel(bilibili.ErrScanPaused)
	}
}

// Abort fires the shared signal with the given cause. CancelCauseFunc keeps
// only the first cause, so concurrent aborts collapse into one.
func (s *ScanState) Abort(cause error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cancel != nil {
		s.cancel(cause)
	}
}

// Finish releases the scan slot.
func (s *ScanState) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(nil)
		s.cancel = nil
	}
}
