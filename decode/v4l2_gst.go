//go:build gstreamer

package decode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/hazyhaar/pointscan/capability"
)

// V4L2Source captures RGBA frames from a V4L2 device through GStreamer:
//
//	v4l2src ! videoconvert ! capsfilter(video/x-raw,format=RGBA) ! appsink
type V4L2Source struct {
	Device string
	Logger *slog.Logger
}

// NewV4L2Source returns a source for device (e.g. /dev/video0).
func NewV4L2Source(device string, logger *slog.Logger) *V4L2Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &V4L2Source{Device: device, Logger: logger}
}

// Open builds and starts the pipeline. Frames are copied out of the
// GStreamer buffer before deliver is called.
func (v *V4L2Source) Open(ctx context.Context, c Constraints, deliver func(image.Image)) (FrameStream, error) {
	gst.Init(nil)

	width, height := c.Width, c.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("create v4l2src: %w", err)
	}
	if v.Device != "" {
		src.SetProperty("device", v.Device)
	}
	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", width, height)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, convert, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, convert, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("link pipeline: %w", err)
	}

	s := &v4l2Stream{pipeline: pipeline, logger: v.Logger, done: make(chan struct{})}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sk *app.Sink) gst.FlowReturn {
			return s.onSample(sk, width, height, deliver)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, classifyGstText(err.Error())
	}

	// The device is opened during the state change; a failure shows up on
	// the bus before the first frame.
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			pipeline.SetState(gst.StateNull)
			return nil, ctx.Err()
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			if atomic.LoadUint64(&s.frames) > 0 {
				break
			}
			continue
		}
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			pipeline.SetState(gst.StateNull)
			return nil, classifyGstText(gerr.Error() + " " + gerr.DebugString())
		}
		if msg.Type() == gst.MessageStateChanged {
			if _, state := msg.ParseStateChanged(); state == gst.StatePlaying {
				break
			}
		}
	}

	go s.monitor(bus)
	return s, nil
}

type v4l2Stream struct {
	pipeline *gst.Pipeline
	logger   *slog.Logger
	frames   uint64
	done     chan struct{}
	once     sync.Once

	mu  sync.Mutex
	err error
}

func (s *v4l2Stream) onSample(sink *app.Sink, width, height int, deliver func(image.Image)) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) < width*height*4 {
		buffer.Unmap()
		return gst.FlowOK
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, data)
	buffer.Unmap()
	atomic.AddUint64(&s.frames, 1)
	deliver(img)
	return gst.FlowOK
}

func (s *v4l2Stream) monitor(bus *gst.Bus) {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.fail(&CameraError{Class: ClassGeneric, Backend: "frames", Err: errors.New("end of stream")})
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			ce := classifyGstText(gerr.Error() + " " + gerr.DebugString())
			s.logger.Error("decode: v4l2 pipeline error", "class", ce.Class, "error", gerr.Error())
			s.fail(ce)
			return
		}
	}
}

func (s *v4l2Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Track is nil: v4l2src exposes no torch control to the pipeline.
func (s *v4l2Stream) Track() capability.Track { return nil }

func (s *v4l2Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *v4l2Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if e := s.pipeline.SetState(gst.StateNull); e != nil {
			err = fmt.Errorf("stop pipeline: %w", e)
		}
	})
	return err
}

func classifyGstText(msg string) *CameraError {
	return &CameraError{Class: classifyText(msg), Backend: "frames", Err: errors.New(msg)}
}
