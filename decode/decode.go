// Package decode acquires a camera (or a self-decoding scanner device) and
// turns it into a stream of decoded codes. Backends are tried in priority
// order; the first one that acquires wins.
package decode

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/pointscan/capability"
)

// Read is one decoded code. It carries no judgement on validity.
type Read struct {
	Code   string    `json:"code"`
	ReadAt time.Time `json:"read_at"`
}

// Constraints requested at acquisition.
type Constraints struct {
	FacingMode string // "environment" (rear) by default
	Width      int
	Height     int
}

// Session is an acquired device. Reads is closed when the session ends;
// Err then reports why (nil after Close).
type Session interface {
	Reads() <-chan Read
	// Track is nil when the device exposes no torch or focus control.
	Track() capability.Track
	Err() error
	Close() error
}

// Backend acquires sessions.
type Backend interface {
	Name() string
	Acquire(ctx context.Context, c Constraints) (Session, error)
}

// Chain tries backends in order.
type Chain struct {
	backends []Backend
	logger   *slog.Logger
}

// NewChain returns a Chain over backends, highest priority first.
func NewChain(logger *slog.Logger, backends ...Backend) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{backends: backends, logger: logger}
}

// Name implements Backend.
func (c *Chain) Name() string { return "chain" }

// Acquire returns the first session acquired. When every backend fails it
// returns the most specific *CameraError seen.
func (c *Chain) Acquire(ctx context.Context, cons Constraints) (Session, error) {
	if len(c.backends) == 0 {
		return nil, &CameraError{Class: ClassNoCamera, Err: errors.New("no decode backend configured")}
	}
	var best *CameraError
	for _, b := range c.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := b.Acquire(ctx, cons)
		if err == nil {
			c.logger.InfoContext(ctx, "decode: backend acquired", "backend", b.Name())
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ce := NewCameraError(b.Name(), err)
		c.logger.WarnContext(ctx, "decode: backend failed", "backend", b.Name(), "class", ce.Class, "error", err)
		if best == nil || specificity(ce.Class) > specificity(best.Class) {
			best = ce
		}
	}
	return nil, best
}
