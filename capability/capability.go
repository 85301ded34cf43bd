// Package capability negotiates what the active camera track can do:
// torch and focus modes. Flags are derived live from the track on every
// acquisition and never persisted.
package capability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FocusMode is a camera focus mode.
type FocusMode string

const (
	FocusContinuous FocusMode = "continuous"
	FocusManual     FocusMode = "manual"
	FocusSingleShot FocusMode = "single-shot"
)

// Capabilities of the active track.
type Capabilities struct {
	TorchSupported           bool `json:"torch_supported"`
	ManualFocusSupported     bool `json:"manual_focus_supported"`
	ContinuousFocusSupported bool `json:"continuous_focus_supported"`
	SingleShotFocusSupported bool `json:"single_shot_focus_supported"`
}

// Track is the platform camera track. Implementations return an error for
// any setting the hardware refuses.
type Track interface {
	Capabilities() Capabilities
	SetTorch(on bool) error
	SetFocusMode(mode FocusMode) error
}

// Controller drives the track's torch and focus. Safe for concurrent use.
type Controller struct {
	logger *slog.Logger
	settle time.Duration

	mu    sync.Mutex
	track Track
	caps  Capabilities
	torch bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithSettle sets how long an intermediate focus mode is held during
// Refocus. Default 150ms.
func WithSettle(d time.Duration) Option { return func(c *Controller) { c.settle = d } }

// NewController returns a Controller with no track attached.
func NewController(opts ...Option) *Controller {
	c := &Controller{logger: slog.Default(), settle: 150 * time.Millisecond}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Probe attaches track and recomputes the capability flags. A nil track
// clears them.
func (c *Controller) Probe(track Track) Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.track = track
	c.torch = false
	if track == nil {
		c.caps = Capabilities{}
	} else {
		c.caps = track.Capabilities()
	}
	return c.caps
}

// Capabilities returns the flags of the attached track.
func (c *Controller) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// TorchOn reports the last torch state successfully applied.
func (c *Controller) TorchOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torch
}

// ToggleTorch flips the torch and returns the resulting state. Unsupported
// hardware and platform errors leave the state unchanged.
func (c *Controller) ToggleTorch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.track == nil || !c.caps.TorchSupported {
		return c.torch
	}
	want := !c.torch
	if err := c.track.SetTorch(want); err != nil {
		c.logger.Warn("capability: torch toggle failed", "want", want, "error", err)
		return c.torch
	}
	c.torch = want
	return c.torch
}

// Refocus nudges the lens into a fresh focus pass: manual then back to
// continuous when manual focus exists, otherwise single-shot then back to
// continuous. A track that only advertises continuous focus still gets the
// single-shot request; a refusal is ignored like any other failure. Blocks
// for the settle delay or until ctx is done.
func (c *Controller) Refocus(ctx context.Context) {
	c.mu.Lock()
	track, caps := c.track, c.caps
	c.mu.Unlock()
	if track == nil {
		return
	}

	var via FocusMode
	switch {
	case caps.ManualFocusSupported:
		via = FocusManual
	case caps.ContinuousFocusSupported, caps.SingleShotFocusSupported:
		via = FocusSingleShot
	default:
		return
	}

	if err := track.SetFocusMode(via); err != nil {
		c.logger.Debug("capability: refocus step failed", "mode", via, "error", err)
		return
	}
	t := time.NewTimer(c.settle)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	if caps.ContinuousFocusSupported {
		if err := track.SetFocusMode(FocusContinuous); err != nil {
			c.logger.Debug("capability: restore continuous focus failed", "error", err)
		}
	}
}

// RunAutoRefocus calls Refocus every interval until ctx is done. Ticks
// where active reports false are skipped; a nil active refocuses on every
// tick.
func (c *Controller) RunAutoRefocus(ctx context.Context, every time.Duration, active func() bool) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if active != nil && !active() {
				continue
			}
			c.Refocus(ctx)
		}
	}
}

// Release forgets the track and its flags.
func (c *Controller) Release() {
	c.Probe(nil)
}
