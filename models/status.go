package models

// Per-entity download progress is tracked as five independent subtasks packed
// into a single 32-bit column. Each subtask owns 3 bits: 0 means never
// attempted, 1..6 counts failed attempts, and 7 (StatusOK) means done. The
// stored value is the attempt counter, there is no separate retry column.
const (
	StatusOK     = 7
	MaxRetry     = 6
	SubTaskCount = 5

	subTaskBits = 3
	subTaskMask = 0b111
)

// PackedOK is the packed value of a fully successful status: all five
// subtasks at StatusOK.
const PackedOK uint32 = 0x7FFF

// Video subtask indices.
const (
	VideoSubTaskCover = iota
	VideoSubTaskInfo
	VideoSubTaskUpperFace
	VideoSubTaskUpperInfo
	VideoSubTaskPages
)

// Page subtask indices.
const (
	PageSubTaskCover = iota
	PageSubTaskMedia
	PageSubTaskInfo
	PageSubTaskDanmaku
	PageSubTaskSubtitle
)

// SubTaskResult is the outcome of one subtask attempt within a cycle.
type SubTaskResult uint8

const (
	// ResultPending means the subtask did not run this cycle; its stored
	// value must not change.
	ResultPending SubTaskResult = iota
	ResultSkipped
	ResultSucceeded
	ResultIgnored
	ResultFailed
)

// DownloadStatus is the unpacked form of the status column.
type DownloadStatus [SubTaskCount]uint8

// StatusFromUint32 unpacks the persisted representation.
func StatusFromUint32(v uint32) DownloadStatus {
	var s DownloadStatus
	for i := 0; i < SubTaskCount; i++ {
		s[i] = uint8((v >> (i * subTaskBits)) & subTaskMask)
	}
	return s
}

// Uint32 packs the status for persistence. Bits above the five subtasks stay
// zero.
func (s DownloadStatus) Uint32() uint32 {
	var v uint32
	for i := 0; i < SubTaskCount; i++ {
		v |= uint32(s[i]&subTaskMask) << (i * subTaskBits)
	}
	return v
}

func (s DownloadStatus) Get(i int) uint8 {
	return s[i]
}

func (s *DownloadStatus) Set(i int, v uint8) {
	s[i] = v & subTaskMask
}

// ShouldRun reports, per subtask, whether it is eligible this cycle: not yet
// succeeded and not out of retries.
func (s DownloadStatus) ShouldRun() [SubTaskCount]bool {
	var run [SubTaskCount]bool
	for i, v := range s {
		run[i] = v != StatusOK && v < MaxRetry
	}
	return run
}

// ShouldRunAny reports whether any subtask is still eligible.
func (s DownloadStatus) ShouldRunAny() bool {
	for _, ok := range s.ShouldRun() {
		if ok {
			return true
		}
	}
	return false
}

// Completed reports whether every subtask has succeeded.
func (s DownloadStatus) Completed() bool {
	for _, v := range s {
		if v != StatusOK {
			return false
		}
	}
	return true
}

// ResetFailed moves every failed subtask (1..6 attempts) back to untouched,
// leaving untouched and succeeded values alone. Returns whether anything
// changed.
func (s *DownloadStatus) ResetFailed() bool {
	changed := false
	for i, v := range s {
		if v >= 1 && v <= MaxRetry {
			s[i] = 0
			changed = true
		}
	}
	return changed
}

// ResetAll forces every subtask back to untouched regardless of current value.
// Used for forced re-downloads. Returns whether anything changed.
func (s *DownloadStatus) ResetAll() bool {
	changed := false
	for i, v := range s {
		if v != 0 {
			s[i] = 0
			changed = true
		}
	}
	return changed
}

// Update folds one cycle's subtask outcomes into the status. Pending leaves
// the stored value untouched, any non-error outcome marks the subtask done,
// and a failure bumps the attempt counter without ever passing MaxRetry.
func (s *DownloadStatus) Update(results [SubTaskCount]SubTaskResult) {
	for i, r := range results {
		switch r {
		case ResultPending:
		case ResultSkipped, ResultSucceeded, ResultIgnored:
			s[i] = StatusOK
		case ResultFailed:
			if s[i] < MaxRetry {
				s[i]++
			}
		}
	}
}
