package decode

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/pointscan/capability"
)

// Opener opens the managed device stream.
type Opener func(ctx context.Context, device string) (io.ReadCloser, error)

// ManagedBackend reads codes from a device that decodes by itself (USB HID
// scanner in keyboard-wedge mode, serial scanner, vendor SDK bridge): one
// code per line.
type ManagedBackend struct {
	device string
	open   Opener
	logger *slog.Logger
}

// NewManagedBackend reads from device. A nil opener opens the path
// read-only.
func NewManagedBackend(device string, open Opener, logger *slog.Logger) *ManagedBackend {
	if open == nil {
		open = func(_ context.Context, device string) (io.ReadCloser, error) {
			return os.OpenFile(device, os.O_RDONLY, 0)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagedBackend{device: device, open: open, logger: logger}
}

// Name implements Backend.
func (m *ManagedBackend) Name() string { return "managed" }

// Acquire opens the device and starts the line reader.
func (m *ManagedBackend) Acquire(ctx context.Context, _ Constraints) (Session, error) {
	if m.device == "" {
		return nil, &CameraError{Class: ClassNoCamera, Backend: m.Name(), Err: errors.New("no managed device configured")}
	}
	rc, err := m.open(ctx, m.device)
	if err != nil {
		return nil, NewCameraError(m.Name(), err)
	}
	s := &lineSession{rc: rc, reads: make(chan Read, 1), done: make(chan struct{})}
	go s.loop(m.logger)
	return s, nil
}

type lineSession struct {
	rc    io.ReadCloser
	reads chan Read
	done  chan struct{}

	once   sync.Once
	mu     sync.Mutex
	err    error
	closed bool
}

func (s *lineSession) loop(logger *slog.Logger) {
	defer close(s.reads)
	sc := bufio.NewScanner(s.rc)
	for sc.Scan() {
		code := strings.TrimSpace(sc.Text())
		if code == "" {
			continue
		}
		select {
		case s.reads <- Read{Code: code, ReadAt: time.Now()}:
		case <-s.done:
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.err = NewCameraError("managed", err)
	logger.Warn("decode: managed device stream ended", "error", err)
}

func (s *lineSession) Reads() <-chan Read { return s.reads }

func (s *lineSession) Track() capability.Track { return nil }

func (s *lineSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *lineSession) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		err = s.rc.Close()
	})
	return err
}
