// Package player implements the playlist and sleep-timer coordinator. It owns
// the logical playlist, lazily resolves stream URLs for upcoming items and
// drives an opaque playback device without blocking callers.
package player

import (
	"context"
	"errors"
)

// Common errors
var (
	// ErrNoSelection indicates an operation that needs a playing selection
	ErrNoSelection = errors.New("nothing selected")

	// ErrOutOfRange indicates an index outside the materialized playlist
	ErrOutOfRange = errors.New("index out of range")
)

// Item is a catalog reference the user can select for playback. It carries
// display metadata only; the playable stream URL is resolved lazily.
type Item struct {
	SourceID    string `json:"sourceId"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	CoverURL    string `json:"coverUrl"`
	DurationSec int    `json:"duration"`
}

// Entry is one playable unit: a single part of a source video with a resolved
// audio stream URL. Entries are immutable once constructed; a new entry
// replaces an old one rather than being mutated in place.
type Entry struct {
	SourceID    string `json:"sourceId"`
	Page        int    `json:"page"`  // part number, 1-based
	Pages       int    `json:"pages"` // total parts of the source video
	Title       string `json:"title"`
	Author      string `json:"author"`
	CoverURL    string `json:"coverUrl"`
	DurationSec int    `json:"duration"`
	StreamURL   string `json:"-"`
}

// Catalog resolves catalog references into playable entries.
type Catalog interface {
	FirstPart(ctx context.Context, item Item) (Entry, error)
	AllParts(ctx context.Context, item Item) ([]Entry, error)
	RemainingParts(ctx context.Context, sourceID string) ([]Entry, error)
}

// Prefs persists sleep-timer settings across restarts. Implementations return
// safe defaults for values that were never saved.
type Prefs interface {
	LastDurationMinutes(ctx context.Context) (int, error)
	FadeOutEnabled(ctx context.Context) (bool, error)
	FadeOutDurationSeconds(ctx context.Context) (int, error)
	SaveLastDuration(ctx context.Context, minutes int) error
	SaveFadeOutEnabled(ctx context.Context, enabled bool) error
	SaveFadeOutDuration(ctx context.Context, seconds int) error
}

// PlaybackState is the coarse device state reported through events.
type PlaybackState string

const (
	StateBuffering PlaybackState = "buffering"
	StateReady     PlaybackState = "ready"
	StateIdle      PlaybackState = "idle"
	StateEnded     PlaybackState = "ended"
)

// EventType tags a device event variant.
type EventType int

const (
	EventPlayingChanged EventType = iota
	EventStateChanged
	EventItemTransitioned
	EventError
)

// Event is one inbound notification from the playback device. Exactly the
// fields for the tagged type are meaningful.
type Event struct {
	Type    EventType
	Playing bool          // EventPlayingChanged
	State   PlaybackState // EventStateChanged
	Index   int           // EventItemTransitioned
	Message string        // EventError
}

// Device is the opaque playback engine the coordinator drives. It accepts an
// ordered list of playable entries, reports state changes through Events and
// is the ultimate source of truth for playing/paused/position.
type Device interface {
	LoadAndPlay(ctx context.Context, entries []Entry, startIndex int) error
	Append(ctx context.Context, entries []Entry) error
	InsertAt(ctx context.Context, pos int, entries []Entry) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	SeekTo(ctx context.Context, positionMs int64) error
	SeekToIndex(ctx context.Context, index int) error
	SetVolume(ctx context.Context, volume float64) error
	Position(ctx context.Context) (positionMs, durationMs int64, err error)
	Events() <-chan Event
}

// SleepTimer is the observable timer state embedded in each snapshot.
type SleepTimer struct {
	Enabled         bool  `json:"enabled"`
	DurationMinutes int   `json:"durationMinutes"`
	RemainingMs     int64 `json:"remainingMs"`
	PauseAtEnd      bool  `json:"pauseAtEnd"`
	FadeOutEnabled  bool  `json:"fadeOutEnabled"`
	FadeOutSeconds  int   `json:"fadeOutSeconds"`
	JustEnded       bool  `json:"justEnded"` // one-shot, cleared by explicit ack
}

// Snapshot is a fully consistent copy of the coordinator state. Every
// mutation produces a new snapshot; readers never observe partial updates.
type Snapshot struct {
	Playing         bool       `json:"playing"`
	PositionMs      int64      `json:"positionMs"`
	DurationMs      int64      `json:"durationMs"`
	Current         *Entry     `json:"current,omitempty"`
	Entries         []Entry    `json:"entries"`
	Index           int        `json:"index"`
	Loading         bool       `json:"loading"`
	Err             string     `json:"error,omitempty"`
	SleepTimer      SleepTimer `json:"sleepTimer"`
	ShowTimerDialog bool       `json:"showTimerDialog"`
}
