package models

import "github.com/google/uuid"

// MutationKind discriminates queued structural requests.
type MutationKind string

const (
	MutationAddSource    MutationKind = "add_source"
	MutationRemoveSource MutationKind = "remove_source"
	MutationUpdateSource MutationKind = "update_source"
	MutationDeleteVideo  MutationKind = "delete_video"
)

// PendingMutation is a structural change requested while a scan was in
// flight. Mutations are drained strictly after the active scan completes; at
// most one scan runs per process, so the queue never races with itself.
type PendingMutation struct {
	TaskID uuid.UUID    `json:"task_id"`
	Kind   MutationKind `json:"kind"`

	// Exactly one of the payloads below is set, per Kind.
	Source   *VideoSource `json:"source,omitempty"`
	SourceID int64        `json:"source_id,omitempty"`
	VideoID  int64        `json:"video_id,omitempty"`
}

// NewMutation builds a mutation with a fresh task id.
func NewMutation(kind MutationKind) PendingMutation {
	return PendingMutation{TaskID: uuid.New(), Kind: kind}
}
