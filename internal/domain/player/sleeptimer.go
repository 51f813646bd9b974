package player

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	timerTickMs      = int64(1000)
	fadeStepInterval = 100 * time.Millisecond
)

// StartSleepTimer (re)starts the countdown with the given duration. Any
// running timer or fade job is cancelled first.
func (c *Coordinator) StartSleepTimer(minutes int) {
	if minutes <= 0 {
		return
	}
	c.mu.Lock()
	c.timer.DurationMinutes = minutes
	c.startTimerLocked(minutes)
	c.publishLocked()
}

// startTimerLocked arms the timer. Callers hold the mutex.
func (c *Coordinator) startTimerLocked(minutes int) {
	if minutes <= 0 {
		return
	}
	c.cancelJobsLocked()
	c.timer.Enabled = true
	c.timer.JustEnded = false
	c.timer.RemainingMs = int64(minutes) * 60_000

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithCancel(ctx)
	c.timerCancel = cancel
	go c.runTimer(tctx)

	log.Info().Int("minutes", minutes).Msg("Sleep timer started")
}

// CancelSleepTimer disables the timer, cancels any in-flight fade and
// restores full volume immediately.
func (c *Coordinator) CancelSleepTimer(ctx context.Context) {
	c.mu.Lock()
	c.stopTimerLocked()
	c.publishLocked()

	if err := c.device.SetVolume(ctx, 1.0); err != nil {
		log.Error().Err(err).Msg("Volume restore failed")
	}
	log.Info().Msg("Sleep timer cancelled")
}

// stopTimerLocked disables the timer and cancels its jobs. Callers hold the
// mutex.
func (c *Coordinator) stopTimerLocked() {
	c.cancelJobsLocked()
	c.timer.Enabled = false
	c.timer.RemainingMs = 0
}

func (c *Coordinator) cancelJobsLocked() {
	if c.timerCancel != nil {
		c.timerCancel()
		c.timerCancel = nil
	}
	if c.fadeCancel != nil {
		c.fadeCancel()
		c.fadeCancel = nil
	}
	c.fadeActive = false
}

// ExtendSleepTimer adds whole minutes to the remaining time. No effect while
// the timer is disabled.
func (c *Coordinator) ExtendSleepTimer(minutes int) {
	if minutes <= 0 {
		return
	}
	c.mu.Lock()
	if !c.timer.Enabled {
		c.mu.Unlock()
		return
	}
	c.timer.RemainingMs += int64(minutes) * 60_000
	c.publishLocked()
}

// ClearSleepTimerEnded acknowledges the one-shot "just ended" flag.
func (c *Coordinator) ClearSleepTimerEnded() {
	c.mu.Lock()
	c.timer.JustEnded = false
	c.publishLocked()
}

// SetPauseAtEnd controls whether natural expiry pauses playback.
func (c *Coordinator) SetPauseAtEnd(pause bool) {
	c.mu.Lock()
	c.timer.PauseAtEnd = pause
	c.publishLocked()
}

// UpdateSleepTimerSettings persists new duration and fade-out settings and
// unconditionally restarts the timer with the new duration.
func (c *Coordinator) UpdateSleepTimerSettings(ctx context.Context, minutes int, fadeOutEnabled bool, fadeOutSeconds int) error {
	if minutes <= 0 {
		return fmt.Errorf("sleep timer duration must be positive, got %d", minutes)
	}
	if fadeOutSeconds < 0 {
		fadeOutSeconds = 0
	}

	if err := c.prefs.SaveLastDuration(ctx, minutes); err != nil {
		return fmt.Errorf("save duration: %w", err)
	}
	if err := c.prefs.SaveFadeOutEnabled(ctx, fadeOutEnabled); err != nil {
		return fmt.Errorf("save fade-out flag: %w", err)
	}
	if err := c.prefs.SaveFadeOutDuration(ctx, fadeOutSeconds); err != nil {
		return fmt.Errorf("save fade-out duration: %w", err)
	}

	c.mu.Lock()
	c.timer.DurationMinutes = minutes
	c.timer.FadeOutEnabled = fadeOutEnabled
	c.timer.FadeOutSeconds = fadeOutSeconds
	c.startTimerLocked(minutes)
	c.publishLocked()
	return nil
}

// runTimer is the 1-second tick loop. Remaining time is purely tick-counted;
// there is no drift correction against the wall clock.
func (c *Coordinator) runTimer(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := c.tick(ctx); done {
				return
			}
		}
	}
}

// tick decrements remaining time by exactly one second, starts the fade job
// once the fade window is entered and handles natural expiry. Returns true
// when the loop should stop.
func (c *Coordinator) tick(ctx context.Context) bool {
	c.mu.Lock()
	if !c.timer.Enabled {
		c.mu.Unlock()
		return true
	}

	c.timer.RemainingMs -= timerTickMs
	if c.timer.RemainingMs < 0 {
		c.timer.RemainingMs = 0
	}

	expired := c.timer.RemainingMs == 0
	pause := c.timer.PauseAtEnd
	rootCtx := c.ctx
	if rootCtx == nil {
		rootCtx = context.Background()
	}

	fadeWindowMs := int64(c.timer.FadeOutSeconds) * 1000
	startFade := !expired &&
		c.timer.FadeOutEnabled &&
		!c.fadeActive &&
		fadeWindowMs > 0 &&
		c.timer.RemainingMs <= fadeWindowMs

	if startFade {
		c.fadeActive = true
		fctx, cancel := context.WithCancel(ctx)
		c.fadeCancel = cancel
		go c.runFade(fctx, c.timer.RemainingMs)
	}

	if expired {
		c.cancelJobsLocked()
		c.timer.Enabled = false
		c.timer.JustEnded = true
	}

	c.publishLocked()

	if expired {
		log.Info().Msg("Sleep timer expired")
		// The tick context was cancelled together with the timer job; expiry
		// side effects go through the coordinator's root context.
		if pause {
			if err := c.device.Pause(rootCtx); err != nil {
				log.Error().Err(err).Msg("Pause at timer expiry failed")
			}
		}
		if err := c.device.SetVolume(rootCtx, 1.0); err != nil {
			log.Error().Err(err).Msg("Volume restore at timer expiry failed")
		}
		c.mu.Lock()
		c.playing = false
		c.publishLocked()
	}
	return expired
}

// runFade linearly ramps the device volume from 1.0 toward 0.0 over the
// remaining window in 100 ms steps, floor-clamped at 0.0.
func (c *Coordinator) runFade(ctx context.Context, windowMs int64) {
	steps := windowMs / int64(fadeStepInterval/time.Millisecond)
	if steps <= 0 {
		return
	}

	log.Debug().Int64("windowMs", windowMs).Int64("steps", steps).Msg("Fade-out started")

	ticker := time.NewTicker(fadeStepInterval)
	defer ticker.Stop()

	for i := int64(1); i <= steps; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vol := 1.0 - float64(i)/float64(steps)
			if vol < 0 {
				vol = 0
			}
			if err := c.device.SetVolume(ctx, vol); err != nil {
				log.Debug().Err(err).Msg("Fade volume step failed")
			}
		}
	}
}
