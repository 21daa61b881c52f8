package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by the ledger when no record exists for an identity.
var ErrNotFound = errors.New("ledger record not found")

// ItemState enumerates pipeline milestones of a source item.
type ItemState string

const (
	StateDiscovered    ItemState = "discovered"
	StateExtracted     ItemState = "extracted"
	StateRewritten     ItemState = "rewritten"
	StateMediaResolved ItemState = "media_resolved"
	StatePublished     ItemState = "published"
	StateFailed        ItemState = "failed"
)

// Terminal reports whether no further stage processing happens in this state.
func (s ItemState) Terminal() bool {
	return s == StatePublished || s == StateFailed
}

// Valid reports whether s is a known state.
func (s ItemState) Valid() bool {
	switch s {
	case StateDiscovered, StateExtracted, StateRewritten, StateMediaResolved, StatePublished, StateFailed:
		return true
	}
	return false
}

// Stage names one step of the item pipeline.
type Stage string

const (
	StageExtract Stage = "extract"
	StageRewrite Stage = "rewrite"
	StageMedia   Stage = "media"
	StagePublish Stage = "publish"
)

// Stages lists the pipeline steps in execution order.
var Stages = []Stage{StageExtract, StageRewrite, StageMedia, StagePublish}

// StageFrom returns the state an item must be in for the stage to run.
func StageFrom(stage Stage) ItemState {
	switch stage {
	case StageExtract:
		return StateDiscovered
	case StageRewrite:
		return StateExtracted
	case StageMedia:
		return StateRewritten
	case StagePublish:
		return StateMediaResolved
	}
	return ""
}

// StageTarget returns the state an item reaches when the stage succeeds.
func StageTarget(stage Stage) ItemState {
	switch stage {
	case StageExtract:
		return StateExtracted
	case StageRewrite:
		return StateRewritten
	case StageMedia:
		return StateMediaResolved
	case StagePublish:
		return StatePublished
	}
	return ""
}

// RemainingStages returns the stages still to run from the given state.
func RemainingStages(state ItemState) []Stage {
	for i, st := range Stages {
		if StageFrom(st) == state {
			return Stages[i:]
		}
	}
	return nil
}

// LedgerRecord is the persisted disposition of one source item.
type LedgerRecord struct {
	SourceID      string
	ItemID        string
	State         ItemState
	FailedStage   Stage
	AttemptCount  int
	LastErrorKind ErrorKind
	PublishedRef  string
	Checkpoint    Checkpoint
	FirstSeenAt   time.Time
	LastUpdatedAt time.Time
}

// Key returns the identity of the record.
func (r LedgerRecord) Key() ItemKey {
	return ItemKey{SourceID: r.SourceID, ItemID: r.ItemID}
}

// NewRecord builds the initial Discovered record for a first sighting.
func NewRecord(item SourceItem, now time.Time) LedgerRecord {
	return LedgerRecord{
		SourceID:      item.SourceID,
		ItemID:        item.ItemID,
		State:         StateDiscovered,
		Checkpoint:    Checkpoint{Item: item.Payload},
		FirstSeenAt:   now,
		LastUpdatedAt: now,
	}
}

// Advance moves the record to the target state of a successful stage.
func (r *LedgerRecord) Advance(stage Stage, now time.Time) error {
	if r.State != StageFrom(stage) {
		return fmt.Errorf("record %s: cannot run %s from state %s", r.Key(), stage, r.State)
	}
	r.State = StageTarget(stage)
	r.LastErrorKind = ""
	r.LastUpdatedAt = now
	return nil
}

// Fail moves the record into the terminal Failed state.
func (r *LedgerRecord) Fail(stage Stage, kind ErrorKind, now time.Time) {
	r.State = StateFailed
	r.FailedStage = stage
	r.LastErrorKind = kind
	r.LastUpdatedAt = now
}

// Defer records a non-terminal failure without changing the state.
func (r *LedgerRecord) Defer(kind ErrorKind, now time.Time) {
	r.AttemptCount++
	r.LastErrorKind = kind
	r.LastUpdatedAt = now
}

// Disposition summarises what a Process call did with an item.
type Disposition string

const (
	DispositionSkipped     Disposition = "skipped"
	DispositionPublished   Disposition = "published"
	DispositionFailed      Disposition = "failed"
	DispositionDeferred    Disposition = "deferred"
	DispositionLocked      Disposition = "locked"
	DispositionInterrupted Disposition = "interrupted"
)

// DispositionEvent is emitted once an item reaches a terminal state.
type DispositionEvent struct {
	SourceID     string    `json:"source_id"`
	ItemID       string    `json:"item_id"`
	State        ItemState `json:"state"`
	FailedStage  Stage     `json:"failed_stage,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	PublishedRef string    `json:"published_ref,omitempty"`
	Title        string    `json:"title,omitempty"`
	Link         string    `json:"link,omitempty"`
	At           time.Time `json:"at"`
}

// EventFromRecord builds a disposition event for a terminal record.
func EventFromRecord(r LedgerRecord) DispositionEvent {
	return DispositionEvent{
		SourceID:     r.SourceID,
		ItemID:       r.ItemID,
		State:        r.State,
		FailedStage:  r.FailedStage,
		ErrorKind:    r.LastErrorKind,
		PublishedRef: r.PublishedRef,
		Title:        r.Checkpoint.Item.Title,
		Link:         r.Checkpoint.Item.Link,
		At:           r.LastUpdatedAt,
	}
}
