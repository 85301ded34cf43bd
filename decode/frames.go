package decode

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/hazyhaar/pointscan/capability"
	"github.com/hazyhaar/pointscan/observability"
)

// FrameStream is a running frame source.
type FrameStream interface {
	// Track is nil when the source has no torch or focus control.
	Track() capability.Track
	// Err reports a fatal source error, nil while healthy.
	Err() error
	Close() error
}

// FrameSource pushes raw frames into deliver until the stream is closed.
type FrameSource interface {
	Open(ctx context.Context, c Constraints, deliver func(image.Image)) (FrameStream, error)
}

// Decoder extracts a code from one frame. ok=false when nothing was found.
type Decoder interface {
	Decode(img image.Image) (code string, ok bool)
}

// ZXingDecoder tries QR first, then Code 128, then EAN-13.
type ZXingDecoder struct {
	readers []gozxing.Reader
	hints   map[gozxing.DecodeHintType]interface{}
}

// NewZXingDecoder returns the default decoder.
func NewZXingDecoder() *ZXingDecoder {
	return &ZXingDecoder{
		readers: []gozxing.Reader{
			qrcode.NewQRCodeReader(),
			oned.NewCode128Reader(),
			oned.NewEAN13Reader(),
		},
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode implements Decoder.
func (z *ZXingDecoder) Decode(img image.Image) (string, bool) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", false
	}
	for _, r := range z.readers {
		res, err := r.Decode(bmp, z.hints)
		r.Reset()
		if err == nil && res.GetText() != "" {
			return res.GetText(), true
		}
	}
	return "", false
}

// FrameBackend samples raw frames at a fixed interval and decodes them.
type FrameBackend struct {
	src      FrameSource
	decoder  Decoder
	interval time.Duration
	logger   *slog.Logger
	rec      observability.Recorder
}

// FrameOption configures a FrameBackend.
type FrameOption func(*FrameBackend)

// WithSampleInterval sets the decode cadence. Default 150ms.
func WithSampleInterval(d time.Duration) FrameOption {
	return func(b *FrameBackend) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithDecoder replaces the zxing decoder.
func WithDecoder(d Decoder) FrameOption { return func(b *FrameBackend) { b.decoder = d } }

// WithFrameLogger sets the logger.
func WithFrameLogger(l *slog.Logger) FrameOption { return func(b *FrameBackend) { b.logger = l } }

// WithFrameRecorder records dropped-frame counts when a session closes.
func WithFrameRecorder(r observability.Recorder) FrameOption {
	return func(b *FrameBackend) { b.rec = r }
}

// NewFrameBackend samples frames from src.
func NewFrameBackend(src FrameSource, opts ...FrameOption) *FrameBackend {
	b := &FrameBackend{
		src:      src,
		interval: 150 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.decoder == nil {
		b.decoder = NewZXingDecoder()
	}
	return b
}

// Name implements Backend.
func (b *FrameBackend) Name() string { return "frames" }

// Acquire opens the frame source and starts the sampler.
func (b *FrameBackend) Acquire(ctx context.Context, c Constraints) (Session, error) {
	if b.src == nil {
		return nil, &CameraError{Class: ClassNoCamera, Backend: b.Name(), Err: errors.New("no frame source configured")}
	}
	mb := &Mailbox{}
	stream, err := b.src.Open(ctx, c, mb.Put)
	if err != nil {
		return nil, NewCameraError(b.Name(), err)
	}
	s := &frameSession{
		backend: b,
		stream:  stream,
		mb:      mb,
		reads:   make(chan Read, 1),
		done:    make(chan struct{}),
	}
	go s.sample()
	return s, nil
}

type frameSession struct {
	backend *FrameBackend
	stream  FrameStream
	mb      *Mailbox
	reads   chan Read
	done    chan struct{}
	once    sync.Once
}

func (s *frameSession) sample() {
	defer close(s.reads)
	t := time.NewTicker(s.backend.interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}
		if s.stream.Err() != nil {
			return
		}
		img := s.mb.Take()
		if img == nil {
			continue
		}
		code, ok := s.backend.decoder.Decode(img)
		if !ok {
			continue
		}
		select {
		case s.reads <- Read{Code: code, ReadAt: time.Now()}:
		case <-s.done:
			return
		}
	}
}

func (s *frameSession) Reads() <-chan Read { return s.reads }

func (s *frameSession) Track() capability.Track { return s.stream.Track() }

func (s *frameSession) Err() error {
	if err := s.stream.Err(); err != nil {
		return NewCameraError(s.backend.Name(), err)
	}
	return nil
}

func (s *frameSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mb.Close()
		err = s.stream.Close()
		published, dropped := s.mb.Stats()
		s.backend.logger.Debug("decode: frame session closed", "published", published, "dropped", dropped)
		if s.backend.rec != nil {
			observability.Record(s.backend.rec, observability.MetricFramesDropped, float64(dropped), "frames", nil)
		}
	})
	return err
}
