// Package mpd adapts an MPD server into the coordinator's playback device.
package mpd

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gompd "github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog/log"

	"github.com/evhall/nocturne-audio-backend/internal/domain/player"
)

const eventBuffer = 16

// Device drives MPD over a serialized command connection with reconnection
// logic, and translates MPD idle notifications into the coordinator's tagged
// event stream. MPD's protocol has no context support; the ctx parameters
// satisfy the player.Device contract and bound nothing here.
type Device struct {
	mu       sync.RWMutex
	client   *gompd.Client
	watcher  *gompd.Watcher
	host     string
	port     int
	password string

	events chan player.Event

	// last observed status, for diffing idle notifications into events
	lastState string
	lastSong  int
}

// NewDevice creates a device for the given MPD server.
func NewDevice(host string, port int, password string) *Device {
	return &Device{
		host:     host,
		port:     port,
		password: password,
		events:   make(chan player.Event, eventBuffer),
		lastSong: -1,
	}
}

// Connect establishes the command connection.
func (d *Device) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked()
}

func (d *Device) connectLocked() error {
	addr := fmt.Sprintf("%s:%d", d.host, d.port)
	log.Info().Str("addr", addr).Msg("Connecting to MPD")

	client, err := gompd.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to MPD: %w", err)
	}

	if d.password != "" {
		if err := client.Command("password %s", d.password).OK(); err != nil {
			client.Close()
			return fmt.Errorf("MPD authentication: %w", err)
		}
	}

	d.client = client
	log.Info().Msg("Connected to MPD")
	return nil
}

// ensureConnected checks the connection and reconnects if needed.
func (d *Device) ensureConnected() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return d.connectLocked()
	}
	if err := d.client.Ping(); err != nil {
		log.Warn().Err(err).Msg("MPD connection lost, reconnecting...")
		d.client.Close()
		d.client = nil
		return d.connectLocked()
	}
	return nil
}

// Close closes the command connection and the watcher.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher != nil {
		d.watcher.Close()
		d.watcher = nil
	}
	if d.client != nil {
		err := d.client.Close()
		d.client = nil
		return err
	}
	return nil
}

// Ping checks the command connection.
func (d *Device) Ping() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.client == nil {
		return fmt.Errorf("not connected")
	}
	return d.client.Ping()
}

// Events returns the inbound event stream. It is populated once Watch has
// been started.
func (d *Device) Events() <-chan player.Event {
	return d.events
}

// LoadAndPlay replaces the MPD queue with the given entries and starts
// playback at startIndex.
func (d *Device) LoadAndPlay(_ context.Context, entries []player.Entry, startIndex int) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.client.Clear(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	for _, e := range entries {
		if err := d.client.Add(e.StreamURL); err != nil {
			return fmt.Errorf("add %s p%d: %w", e.SourceID, e.Page, err)
		}
	}
	return d.client.Play(startIndex)
}

// Append adds entries to the end of the MPD queue.
func (d *Device) Append(_ context.Context, entries []player.Entry) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, e := range entries {
		if err := d.client.Add(e.StreamURL); err != nil {
			return fmt.Errorf("add %s p%d: %w", e.SourceID, e.Page, err)
		}
	}
	return nil
}

// InsertAt splices entries into the MPD queue at the given position.
func (d *Device) InsertAt(_ context.Context, pos int, entries []player.Entry) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	for i, e := range entries {
		if _, err := d.client.AddID(e.StreamURL, pos+i); err != nil {
			return fmt.Errorf("insert %s p%d at %d: %w", e.SourceID, e.Page, pos+i, err)
		}
	}
	return nil
}

// Play resumes playback of the current entry.
func (d *Device) Play(_ context.Context) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client.Pause(false)
}

// Pause pauses playback.
func (d *Device) Pause(_ context.Context) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client.Pause(true)
}

// SeekTo seeks within the current entry to an absolute position.
func (d *Device) SeekTo(_ context.Context, positionMs int64) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	status, err := d.client.Status()
	if err != nil {
		return err
	}
	songPos, err := strconv.Atoi(status["song"])
	if err != nil {
		return fmt.Errorf("no song playing")
	}
	return d.client.Seek(songPos, int(positionMs/1000))
}

// SeekToIndex jumps to a queue position.
func (d *Device) SeekToIndex(_ context.Context, index int) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client.Play(index)
}

// SetVolume sets the output volume, mapping 0.0..1.0 onto MPD's 0..100.
func (d *Device) SetVolume(_ context.Context, volume float64) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	vol := int(volume*100 + 0.5)
	if vol < 0 {
		vol = 0
	} else if vol > 100 {
		vol = 100
	}
	return d.client.SetVolume(vol)
}

// Position reports the current elapsed position and duration in milliseconds.
func (d *Device) Position(_ context.Context) (int64, int64, error) {
	if err := d.ensureConnected(); err != nil {
		return 0, 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	status, err := d.client.Status()
	if err != nil {
		return 0, 0, err
	}

	var posMs, durMs int64
	if elapsed, err := strconv.ParseFloat(status["elapsed"], 64); err == nil {
		posMs = int64(elapsed * 1000)
	}
	if duration, err := strconv.ParseFloat(status["duration"], 64); err == nil {
		durMs = int64(duration * 1000)
	}
	return posMs, durMs, nil
}

// Watch starts the MPD idle watcher and the goroutine that folds player
// subsystem changes into tagged events. Runs until ctx is cancelled.
func (d *Device) Watch(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.host, d.port)

	watcher, err := gompd.NewWatcher("tcp", addr, d.password, "player")
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	d.mu.Lock()
	d.watcher = watcher
	d.mu.Unlock()

	go func() {
		log.Info().Msg("MPD watcher started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("MPD watcher stopped")
				return
			case _, ok := <-watcher.Event:
				if !ok {
					return
				}
				d.emitStatusDiff()
			case err := <-watcher.Error:
				log.Error().Err(err).Msg("MPD watcher error")
				d.emit(player.Event{Type: player.EventError, Message: err.Error()})
				time.Sleep(time.Second)
			}
		}
	}()

	return nil
}

// emitStatusDiff queries MPD status and emits events for what changed since
// the last observation.
func (d *Device) emitStatusDiff() {
	if err := d.ensureConnected(); err != nil {
		d.emit(player.Event{Type: player.EventError, Message: err.Error()})
		return
	}

	d.mu.Lock()
	status, err := d.client.Status()
	if err != nil {
		d.mu.Unlock()
		d.emit(player.Event{Type: player.EventError, Message: err.Error()})
		return
	}

	state := status["state"]
	song := -1
	if s, err := strconv.Atoi(status["song"]); err == nil {
		song = s
	}

	prevState := d.lastState
	prevSong := d.lastSong
	d.lastState = state
	d.lastSong = song
	d.mu.Unlock()

	for _, ev := range translateStatus(prevState, prevSong, status) {
		d.emit(ev)
	}
}

// translateStatus diffs an MPD status against the last observation and
// returns the resulting tagged events, in emission order.
func translateStatus(prevState string, prevSong int, status gompd.Attrs) []player.Event {
	state := status["state"]
	song := -1
	if s, err := strconv.Atoi(status["song"]); err == nil {
		song = s
	}

	var events []player.Event

	if msg := status["error"]; msg != "" {
		events = append(events, player.Event{Type: player.EventError, Message: msg})
	}

	if song >= 0 && song != prevSong {
		events = append(events,
			player.Event{Type: player.EventItemTransitioned, Index: song},
			player.Event{Type: player.EventStateChanged, State: player.StateReady},
		)
	}

	if state != prevState {
		switch state {
		case "play":
			if prevState != "pause" {
				events = append(events, player.Event{Type: player.EventStateChanged, State: player.StateReady})
			}
			events = append(events, player.Event{Type: player.EventPlayingChanged, Playing: true})
		case "pause":
			events = append(events, player.Event{Type: player.EventPlayingChanged, Playing: false})
		case "stop":
			if prevState == "play" {
				// We never issue an explicit stop; reaching stopped state
				// means the queue ran out.
				events = append(events, player.Event{Type: player.EventStateChanged, State: player.StateEnded})
			} else {
				events = append(events, player.Event{Type: player.EventStateChanged, State: player.StateIdle})
			}
			events = append(events, player.Event{Type: player.EventPlayingChanged, Playing: false})
		}
	}
	return events
}

func (d *Device) emit(ev player.Event) {
	select {
	case d.events <- ev:
	default:
		log.Warn().Int("type", int(ev.Type)).Msg("Dropping device event, consumer too slow")
	}
}
