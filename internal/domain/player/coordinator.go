package player

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const positionSampleInterval = time.Second

// Coordinator maintains the authoritative playback state, decides what to
// resolve and when, and drives the playback device. All shared state is
// guarded by a single mutex; snapshots are published by full replacement so
// observers always see a consistent view.
type Coordinator struct {
	device  Device
	catalog Catalog
	prefs   Prefs

	mu    sync.Mutex
	queue Queue

	playing    bool
	positionMs int64
	durationMs int64
	loading    bool
	lastErr    string
	showDialog bool

	// Lazy-resolution bookkeeping, keyed by logical playlist position and
	// source video ID. Cleared whenever a fresh selection starts.
	pending     map[int]Item
	resolving   map[int]bool
	loadedParts map[string]bool

	// epoch guards late-arriving resolutions: results launched under an
	// older epoch are discarded on arrival instead of splicing into a
	// playlist they no longer belong to.
	epoch uint64

	timer         SleepTimer
	timerCancel   context.CancelFunc
	fadeCancel    context.CancelFunc
	fadeActive    bool
	samplerCancel context.CancelFunc

	ctx    context.Context
	notify func(Snapshot)
}

// New creates a coordinator around a playback device, a catalog client and a
// preference store.
func New(device Device, catalog Catalog, prefs Prefs) *Coordinator {
	return &Coordinator{
		device:      device,
		catalog:     catalog,
		prefs:       prefs,
		pending:     make(map[int]Item),
		resolving:   make(map[int]bool),
		loadedParts: make(map[string]bool),
		timer: SleepTimer{
			DurationMinutes: 30,
			PauseAtEnd:      true,
			FadeOutEnabled:  true,
			FadeOutSeconds:  60,
		},
	}
}

// OnChange registers the snapshot callback. Must be called before Start.
func (c *Coordinator) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Start reads persisted timer settings and begins consuming device events.
// The coordinator runs until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	minutes, err := c.prefs.LastDurationMinutes(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Using default sleep timer duration")
		minutes = 30
	}
	fadeEnabled, err := c.prefs.FadeOutEnabled(ctx)
	if err != nil {
		fadeEnabled = true
	}
	fadeSeconds, err := c.prefs.FadeOutDurationSeconds(ctx)
	if err != nil {
		fadeSeconds = 60
	}

	c.mu.Lock()
	c.ctx = ctx
	c.timer.DurationMinutes = minutes
	c.timer.FadeOutEnabled = fadeEnabled
	c.timer.FadeOutSeconds = fadeSeconds
	c.mu.Unlock()

	log.Info().
		Int("durationMin", minutes).
		Bool("fadeOut", fadeEnabled).
		Int("fadeOutSec", fadeSeconds).
		Msg("Coordinator started")

	go c.eventLoop(ctx)
}

// eventLoop folds device events into the state snapshot, in arrival order.
func (c *Coordinator) eventLoop(ctx context.Context) {
	events := c.device.Events()
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.stopTimerLocked()
			c.stopSamplerLocked()
			c.mu.Unlock()
			log.Info().Msg("Coordinator stopped")
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn().Msg("Device event channel closed")
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventPlayingChanged:
		c.mu.Lock()
		c.playing = ev.Playing
		if ev.Playing {
			c.startSamplerLocked(ctx)
		} else {
			c.stopSamplerLocked()
		}
		c.publishLocked()

	case EventStateChanged:
		c.handleStateChanged(ctx, ev.State)

	case EventItemTransitioned:
		c.mu.Lock()
		if !c.queue.SetIndex(ev.Index) {
			c.mu.Unlock()
			log.Debug().Int("index", ev.Index).Msg("Transition to unknown index")
			return
		}
		c.positionMs = 0
		c.publishLocked()
		c.resolveUpcoming(ev.Index)
		c.maybeLoadRemainingParts()

	case EventError:
		log.Error().Str("message", ev.Message).Msg("Playback device error")
		c.mu.Lock()
		c.lastErr = ev.Message
		c.publishLocked()
	}
}

func (c *Coordinator) handleStateChanged(ctx context.Context, state PlaybackState) {
	switch state {
	case StateBuffering:
		c.mu.Lock()
		c.loading = true
		c.publishLocked()

	case StateReady:
		if _, dur, err := c.device.Position(ctx); err == nil {
			c.mu.Lock()
			c.durationMs = dur
			c.loading = false
			c.publishLocked()
		} else {
			c.mu.Lock()
			c.loading = false
			c.publishLocked()
		}

	case StateIdle:
		c.mu.Lock()
		c.loading = false
		c.publishLocked()

	case StateEnded:
		// When the timer ran out mid-stream the device must not auto-advance
		// to the next entry; stop the timer and pause instead.
		c.mu.Lock()
		expired := c.timer.Enabled && c.timer.RemainingMs <= 0
		if expired {
			c.stopTimerLocked()
			c.timer.JustEnded = true
		}
		c.publishLocked()
		if expired {
			if err := c.device.Pause(ctx); err != nil {
				log.Error().Err(err).Msg("Pause after timer expiry failed")
			}
			if err := c.device.SetVolume(ctx, 1.0); err != nil {
				log.Error().Err(err).Msg("Volume restore after timer expiry failed")
			}
		}
	}
}

// PlayItem starts playback of a single catalog selection. Only the first part
// is resolved before playback begins; remaining parts of a multi-part video
// load lazily once the first part is playing. The sleep timer restarts with
// the last persisted duration.
func (c *Coordinator) PlayItem(ctx context.Context, item Item) error {
	c.mu.Lock()
	c.loading = true
	c.lastErr = ""
	c.publishLocked()

	entry, err := c.catalog.FirstPart(ctx, item)
	if err != nil {
		c.fail(fmt.Sprintf("cannot play %q: %v", item.Title, err))
		return fmt.Errorf("resolve first part of %s: %w", item.SourceID, err)
	}

	c.mu.Lock()
	c.resetSelectionLocked()
	c.queue.Replace(entry, 0)
	c.positionMs = 0
	c.durationMs = int64(entry.DurationSec) * 1000
	c.loading = false
	c.publishLocked()

	if err := c.device.LoadAndPlay(ctx, []Entry{entry}, 0); err != nil {
		c.fail(fmt.Sprintf("playback failed: %v", err))
		return fmt.Errorf("load and play: %w", err)
	}

	c.mu.Lock()
	c.startTimerLocked(c.timer.DurationMinutes)
	c.publishLocked()

	c.maybeLoadRemainingParts()
	return nil
}

// PlayItemAllParts starts playback of every part of a multi-part selection at
// once. Unlike PlayItem, all parts are resolved up front.
func (c *Coordinator) PlayItemAllParts(ctx context.Context, item Item) error {
	c.mu.Lock()
	c.loading = true
	c.lastErr = ""
	c.publishLocked()

	entries, err := c.catalog.AllParts(ctx, item)
	if err != nil {
		c.fail(fmt.Sprintf("cannot play %q: %v", item.Title, err))
		return fmt.Errorf("resolve parts of %s: %w", item.SourceID, err)
	}

	c.mu.Lock()
	c.resetSelectionLocked()
	c.queue.ReplaceAll(entries, 0)
	// All parts are materialized already; never lazy-load them again.
	c.loadedParts[item.SourceID] = true
	c.positionMs = 0
	if len(entries) > 0 {
		c.durationMs = int64(entries[0].DurationSec) * 1000
	}
	c.loading = false
	c.publishLocked()

	if err := c.device.LoadAndPlay(ctx, entries, 0); err != nil {
		c.fail(fmt.Sprintf("playback failed: %v", err))
		return fmt.Errorf("load and play: %w", err)
	}

	c.mu.Lock()
	c.startTimerLocked(c.timer.DurationMinutes)
	c.publishLocked()
	return nil
}

// PlayAll starts playback of an ordered selection at startIndex. The entry at
// startIndex is resolved and played immediately; every other item is
// registered as pending and the one that plays next is resolved right away.
// Items before startIndex stay pending for backward navigation.
func (c *Coordinator) PlayAll(ctx context.Context, items []Item, startIndex int) error {
	if startIndex < 0 || startIndex >= len(items) {
		return ErrOutOfRange
	}

	c.mu.Lock()
	c.loading = true
	c.lastErr = ""
	c.publishLocked()

	entry, err := c.catalog.FirstPart(ctx, items[startIndex])
	if err != nil {
		c.fail(fmt.Sprintf("cannot play %q: %v", items[startIndex].Title, err))
		return fmt.Errorf("resolve first part of %s: %w", items[startIndex].SourceID, err)
	}

	c.mu.Lock()
	c.resetSelectionLocked()
	c.queue.Replace(entry, startIndex)
	for i, it := range items {
		if i != startIndex {
			c.pending[i] = it
		}
	}
	c.positionMs = 0
	c.durationMs = int64(entry.DurationSec) * 1000
	c.loading = false
	c.publishLocked()

	if err := c.device.LoadAndPlay(ctx, []Entry{entry}, 0); err != nil {
		c.fail(fmt.Sprintf("playback failed: %v", err))
		return fmt.Errorf("load and play: %w", err)
	}

	c.mu.Lock()
	c.startTimerLocked(c.timer.DurationMinutes)
	c.publishLocked()

	c.resolveUpcoming(0)
	c.maybeLoadRemainingParts()
	return nil
}

// resetSelectionLocked clears all lazy-load bookkeeping so a fresh selection
// never reuses stale resolution state. Callers hold the mutex.
func (c *Coordinator) resetSelectionLocked() {
	c.epoch++
	c.pending = make(map[int]Item)
	c.resolving = make(map[int]bool)
	c.loadedParts = make(map[string]bool)
}

// fail records an observable error and clears the loading flag.
func (c *Coordinator) fail(msg string) {
	c.mu.Lock()
	c.loading = false
	c.lastErr = msg
	c.publishLocked()
}

// resolveUpcoming resolves the pending item that follows the given
// materialized position, if any.
func (c *Coordinator) resolveUpcoming(index int) {
	c.mu.Lock()
	l := c.queue.LogicalAt(index)
	if l < 0 {
		c.mu.Unlock()
		return
	}
	next := l + 1
	item, ok := c.pending[next]
	if !ok || c.resolving[next] {
		c.mu.Unlock()
		return
	}
	c.resolving[next] = true
	epoch := c.epoch
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		entry, err := c.catalog.FirstPart(ctx, item)

		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			log.Debug().Str("sourceId", item.SourceID).Msg("Discarding stale resolution")
			return
		}
		if err != nil {
			// Leave the item pending; a later pass may retry.
			delete(c.resolving, next)
			c.mu.Unlock()
			log.Warn().Err(err).Str("sourceId", item.SourceID).Msg("Upcoming item resolution failed")
			return
		}
		delete(c.pending, next)
		delete(c.resolving, next)
		pos := c.queue.Insert(next, entry)
		wasAppend := pos == c.queue.Len()-1
		c.publishLocked()

		if wasAppend {
			if err := c.device.Append(ctx, []Entry{entry}); err != nil {
				log.Error().Err(err).Msg("Device append failed")
			}
		} else {
			if err := c.device.InsertAt(ctx, pos, []Entry{entry}); err != nil {
				log.Error().Err(err).Msg("Device insert failed")
			}
		}
	}()
}

// maybeLoadRemainingParts lazily resolves the remaining parts of the active
// multi-part video and splices them in immediately after the current
// position.
func (c *Coordinator) maybeLoadRemainingParts() {
	c.mu.Lock()
	cur, ok := c.queue.Current()
	if !ok || cur.Pages <= 1 || cur.Page != 1 || c.loadedParts[cur.SourceID] {
		c.mu.Unlock()
		return
	}
	c.loadedParts[cur.SourceID] = true
	logicalPos := c.queue.LogicalAt(c.queue.Index())
	epoch := c.epoch
	ctx := c.ctx
	sourceID := cur.SourceID
	c.mu.Unlock()

	go func() {
		parts, err := c.catalog.RemainingParts(ctx, sourceID)

		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			log.Debug().Str("sourceId", sourceID).Msg("Discarding stale part resolution")
			return
		}
		if err != nil {
			// Allow a retry if the user replays part 1; past that point the
			// failure is effectively terminal for this visit.
			delete(c.loadedParts, sourceID)
			c.mu.Unlock()
			log.Warn().Err(err).Str("sourceId", sourceID).Msg("Remaining part resolution failed")
			return
		}
		if len(parts) == 0 {
			c.mu.Unlock()
			return
		}
		pos := c.queue.Insert(logicalPos, parts...)
		wasAppend := pos == c.queue.Len()-len(parts)
		c.publishLocked()

		log.Debug().
			Str("sourceId", sourceID).
			Int("parts", len(parts)).
			Int("pos", pos).
			Msg("Materialized remaining parts")

		if wasAppend {
			if err := c.device.Append(ctx, parts); err != nil {
				log.Error().Err(err).Msg("Device append failed")
			}
		} else {
			if err := c.device.InsertAt(ctx, pos, parts); err != nil {
				log.Error().Err(err).Msg("Device insert failed")
			}
		}
	}()
}

// Play resumes playback. Pressing play after the sleep timer has expired
// implicitly re-arms it with the configured duration.
func (c *Coordinator) Play(ctx context.Context) error {
	c.mu.Lock()
	c.playing = true
	if !c.timer.Enabled && c.timer.DurationMinutes > 0 {
		c.startTimerLocked(c.timer.DurationMinutes)
	}
	c.publishLocked()
	return c.device.Play(ctx)
}

// Pause pauses playback.
func (c *Coordinator) Pause(ctx context.Context) error {
	c.mu.Lock()
	c.playing = false
	c.publishLocked()
	return c.device.Pause(ctx)
}

// Toggle flips between playing and paused.
func (c *Coordinator) Toggle(ctx context.Context) error {
	c.mu.Lock()
	playing := c.playing
	c.mu.Unlock()
	if playing {
		return c.Pause(ctx)
	}
	return c.Play(ctx)
}

// SeekTo seeks to an absolute position in the current entry.
func (c *Coordinator) SeekTo(ctx context.Context, positionMs int64) error {
	if positionMs < 0 {
		positionMs = 0
	}
	c.mu.Lock()
	if c.queue.Len() == 0 {
		c.mu.Unlock()
		return ErrNoSelection
	}
	c.positionMs = positionMs
	c.publishLocked()
	return c.device.SeekTo(ctx, positionMs)
}

// SeekFraction seeks to a fractional position against the current duration.
// A no-op when the duration is zero or unknown.
func (c *Coordinator) SeekFraction(ctx context.Context, fraction float64) error {
	c.mu.Lock()
	dur := c.durationMs
	c.mu.Unlock()
	if dur <= 0 {
		return nil
	}
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	return c.SeekTo(ctx, int64(fraction*float64(dur)))
}

// JumpTo jumps to a materialized playlist index. Out-of-bounds is a no-op.
func (c *Coordinator) JumpTo(ctx context.Context, index int) error {
	c.mu.Lock()
	if !c.queue.SetIndex(index) {
		c.mu.Unlock()
		return nil
	}
	c.positionMs = 0
	c.publishLocked()
	return c.device.SeekToIndex(ctx, index)
}

// Next advances to the next entry. A no-op at or past the last index.
func (c *Coordinator) Next(ctx context.Context) error {
	c.mu.Lock()
	next := c.queue.Index() + 1
	if next >= c.queue.Len() {
		c.mu.Unlock()
		return nil
	}
	c.queue.SetIndex(next)
	c.positionMs = 0
	c.publishLocked()
	return c.device.SeekToIndex(ctx, next)
}

// Previous moves to the prior entry, or seeks to the start of the current one
// when already at index 0.
func (c *Coordinator) Previous(ctx context.Context) error {
	c.mu.Lock()
	idx := c.queue.Index()
	if idx <= 0 {
		c.positionMs = 0
		c.publishLocked()
		return c.device.SeekTo(ctx, 0)
	}
	c.queue.SetIndex(idx - 1)
	c.positionMs = 0
	c.publishLocked()
	return c.device.SeekToIndex(ctx, idx-1)
}

// AcknowledgeError clears the observable error field.
func (c *Coordinator) AcknowledgeError() {
	c.mu.Lock()
	c.lastErr = ""
	c.publishLocked()
}

// ShowTimerDialog sets the transient dialog flag consumed by the
// presentation layer.
func (c *Coordinator) ShowTimerDialog(show bool) {
	c.mu.Lock()
	c.showDialog = show
	c.publishLocked()
}

// Snapshot returns a consistent copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Playing:         c.playing,
		PositionMs:      c.positionMs,
		DurationMs:      c.durationMs,
		Entries:         c.queue.Entries(),
		Index:           c.queue.Index(),
		Loading:         c.loading,
		Err:             c.lastErr,
		SleepTimer:      c.timer,
		ShowTimerDialog: c.showDialog,
	}
	if cur, ok := c.queue.Current(); ok {
		snap.Current = &cur
	}
	return snap
}

// publishLocked builds a snapshot, releases the mutex and notifies the
// observer. Every caller must hold the mutex and must not touch state after
// the call.
func (c *Coordinator) publishLocked() {
	snap := c.snapshotLocked()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// startSamplerLocked starts the 1-second position sampling loop. Active only
// while the device reports playing.
func (c *Coordinator) startSamplerLocked(ctx context.Context) {
	if c.samplerCancel != nil {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	c.samplerCancel = cancel
	go c.runSampler(sctx)
}

func (c *Coordinator) stopSamplerLocked() {
	if c.samplerCancel != nil {
		c.samplerCancel()
		c.samplerCancel = nil
	}
}

func (c *Coordinator) runSampler(ctx context.Context) {
	ticker := time.NewTicker(positionSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pos, dur, err := c.device.Position(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("Position sample failed")
				continue
			}
			c.mu.Lock()
			c.positionMs = pos
			if dur > 0 {
				c.durationMs = dur
			}
			c.publishLocked()
		}
	}
}
