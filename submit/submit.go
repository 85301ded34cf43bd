// Package submit turns a decoded read into a backend submission and
// classifies the answer. It owns the debounce and throttle state.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/pointscan/backend"
	"github.com/hazyhaar/pointscan/decode"
	"github.com/hazyhaar/pointscan/idgen"
	"github.com/hazyhaar/pointscan/observability"
	"github.com/hazyhaar/pointscan/offlinequeue"
	"github.com/hazyhaar/pointscan/realtime"
)

// Outcome of a processed read.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "warning"
	OutcomeError   Outcome = "error"
)

// ErrorClass refines a non-success outcome.
type ErrorClass string

const (
	ClassNone                ErrorClass = "none"
	ClassAlreadyScannedToday ErrorClass = "already_scanned_today"
	ClassDuplicate           ErrorClass = "duplicate"
	ClassNotFound            ErrorClass = "not_found"
	ClassRejected            ErrorClass = "rejected"
	ClassNetwork             ErrorClass = "network"
)

// IsDuplicate reports whether the class means the scan was already counted.
func (c ErrorClass) IsDuplicate() bool {
	return c == ClassAlreadyScannedToday || c == ClassDuplicate
}

var (
	// ErrRepeatedRead is returned for a read identical to the previous
	// accepted one.
	ErrRepeatedRead = errors.New("submit: repeated read")
	// ErrThrottled is returned when the previous submission is too recent.
	ErrThrottled = errors.New("submit: throttled")
)

// Result of one submission.
type Result struct {
	Outcome      Outcome    `json:"outcome"`
	ErrorClass   ErrorClass `json:"error_class"`
	Code         string     `json:"code"`
	ScanID       string     `json:"scan_id,omitempty"`
	Points       int        `json:"points,omitempty"`
	CustomerName string     `json:"customer_name,omitempty"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	Message      string     `json:"message"`
	// Queued is true when the code was handed to the offline queue.
	Queued bool `json:"queued"`
}

// Submitter sends one scan.
type Submitter interface {
	Submit(ctx context.Context, req backend.SubmitRequest) (*backend.SubmitResponse, error)
}

// Queue keeps scans for later replay.
type Queue interface {
	Save(ctx context.Context, code string) (*offlinequeue.Submission, error)
}

// Options configures a Pipeline.
type Options struct {
	Station string
	Store   string
	// Throttle is the minimum gap between submissions. Default 600ms.
	Throttle time.Duration
	// Geo returns the station position to attach, or nil.
	Geo      func() *backend.Geo
	Log      *realtime.Log
	Queue    Queue
	Recorder observability.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Pipeline is the decode-to-backend path.
type Pipeline struct {
	submitter Submitter
	opts      Options

	mu       sync.Mutex
	lastCode string
	lastAt   time.Time
}

// New returns a Pipeline submitting through s.
func New(s Submitter, opts Options) *Pipeline {
	if opts.Throttle <= 0 {
		opts.Throttle = 600 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{submitter: s, opts: opts}
}

// Reset clears the debounce and throttle state.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.lastCode = ""
	p.lastAt = time.Time{}
	p.mu.Unlock()
}

// Accept applies the debounce and throttle guards to r and, when it
// passes, records it as the last accepted read. It makes no backend call,
// so a caller can drop a rejected read before doing anything visible.
func (p *Pipeline) Accept(r decode.Read) error {
	code := strings.TrimSpace(r.Code)
	if code == "" {
		return ErrRepeatedRead
	}
	now := p.opts.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if code == p.lastCode {
		return ErrRepeatedRead
	}
	if !p.lastAt.IsZero() && now.Sub(p.lastAt) < p.opts.Throttle {
		return ErrThrottled
	}
	p.lastCode = code
	p.lastAt = now
	return nil
}

// Process accepts and sends r. Guard rejections return ErrRepeatedRead or
// ErrThrottled and make no backend call; every other path returns a Result
// and a nil error.
func (p *Pipeline) Process(ctx context.Context, r decode.Read) (Result, error) {
	if err := p.Accept(r); err != nil {
		return Result{}, err
	}
	return p.Send(ctx, r), nil
}

// Send submits a read that Accept let through and classifies the answer.
func (p *Pipeline) Send(ctx context.Context, r decode.Read) Result {
	code := strings.TrimSpace(r.Code)
	start := p.opts.Now()

	req := backend.SubmitRequest{
		Code:            code,
		StoreContext:    p.opts.Store,
		StationIdentity: p.opts.Station,
	}
	if p.opts.Geo != nil {
		req.Geolocation = p.opts.Geo()
	}

	resp, err := p.submitter.Submit(ctx, req)
	var res Result
	switch {
	case err != nil && backend.IsTransport(err):
		res = p.onTransportError(ctx, code, err)
	case err != nil:
		res = p.onRejected(ctx, code, &backend.SubmitResponse{Message: err.Error()})
	case resp == nil:
		res = p.onTransportError(ctx, code, errors.New("empty response"))
	case resp.Success:
		res = p.onSuccess(code, resp, start)
	default:
		res = p.onRejected(ctx, code, resp)
	}

	elapsed := p.opts.Now().Sub(start)
	labels := map[string]string{"outcome": string(res.Outcome), "class": string(res.ErrorClass)}
	observability.Record(p.opts.Recorder, observability.MetricSubmitDuration, float64(elapsed.Milliseconds()), "ms", labels)
	observability.Record(p.opts.Recorder, observability.MetricSubmitOutcome, 1, "count", labels)
	p.opts.Logger.InfoContext(ctx, "submit: processed",
		"code", code, "outcome", res.Outcome, "class", res.ErrorClass,
		"scan_id", res.ScanID, "queued", res.Queued, "duration_ms", elapsed.Milliseconds())
	return res
}

func (p *Pipeline) onSuccess(code string, resp *backend.SubmitResponse, at time.Time) Result {
	scanID := resp.ScanID
	if scanID == "" {
		scanID = idgen.LocalScanID(p.opts.Station, at)
	}
	res := Result{
		Outcome:      OutcomeSuccess,
		ErrorClass:   ClassNone,
		Code:         code,
		ScanID:       scanID,
		Points:       resp.Points,
		CustomerName: resp.CustomerName,
		AvatarURL:    resp.CustomerAvatar,
		Message:      successMessage(resp),
	}
	if p.opts.Log != nil {
		p.opts.Log.Prepend(realtime.Entry{
			ScanID:       scanID,
			Success:      true,
			Points:       resp.Points,
			CustomerName: resp.CustomerName,
			AvatarURL:    resp.CustomerAvatar,
			Code:         code,
			Message:      res.Message,
			Source:       realtime.SourceOptimistic,
			At:           at,
		})
	}
	return res
}

func (p *Pipeline) onRejected(ctx context.Context, code string, resp *backend.SubmitResponse) Result {
	class := Classify(resp.ErrorCode, resp.Message)
	msg := resp.Message
	if msg == "" {
		msg = defaultMessage(class)
	}
	res := Result{
		Outcome:    OutcomeWarning,
		ErrorClass: class,
		Code:       code,
		ScanID:     resp.ScanID,
		Message:    msg,
	}
	if !class.IsDuplicate() {
		res.Queued = p.enqueue(ctx, code) == nil
	}
	if p.opts.Log != nil {
		id := resp.ScanID
		if id == "" {
			id = idgen.LocalScanID(p.opts.Station, p.opts.Now())
		}
		res.ScanID = id
		p.opts.Log.Prepend(realtime.Entry{
			ScanID:     id,
			ErrorClass: string(class),
			Code:       code,
			Message:    msg,
			Source:     realtime.SourceOptimistic,
		})
	}
	return res
}

func (p *Pipeline) onTransportError(ctx context.Context, code string, cause error) Result {
	res := Result{Outcome: OutcomeError, ErrorClass: ClassNetwork, Code: code}
	err := p.enqueue(ctx, code)
	switch {
	case err == nil:
		res.Queued = true
		res.Message = "Connection problem: the scan was saved offline and will be sent automatically."
	case errors.Is(err, offlinequeue.ErrDuplicate):
		res.Message = "Connection problem: this code is already waiting to be sent, it was not queued again."
	default:
		res.Message = "Connection problem: the scan could not be saved. Please scan again."
	}
	p.opts.Logger.WarnContext(ctx, "submit: backend unreachable", "code", code, "queued", res.Queued, "error", cause)
	return res
}

func (p *Pipeline) enqueue(ctx context.Context, code string) error {
	if p.opts.Queue == nil {
		return errors.New("submit: no offline queue")
	}
	_, err := p.opts.Queue.Save(ctx, code)
	if err != nil && !errors.Is(err, offlinequeue.ErrDuplicate) {
		p.opts.Logger.ErrorContext(ctx, "submit: offline save failed", "code", code, "error", err)
	}
	return err
}

// Classify maps a rejection to an ErrorClass: the structured error code
// first, the message text as a fallback.
func Classify(errorCode, message string) ErrorClass {
	switch strings.ToLower(strings.TrimSpace(errorCode)) {
	case "already_scanned_today", "already_scanned", "daily_limit":
		return ClassAlreadyScannedToday
	case "duplicate", "duplicate_scan":
		return ClassDuplicate
	case "not_found", "customer_not_found", "unknown_code", "invalid_code":
		return ClassNotFound
	case "":
	default:
		return ClassRejected
	}
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "already") && (strings.Contains(m, "today") || strings.Contains(m, "scanned")):
		return ClassAlreadyScannedToday
	case strings.Contains(m, "duplicate"):
		return ClassDuplicate
	case strings.Contains(m, "not found"), strings.Contains(m, "unknown"), strings.Contains(m, "invalid code"):
		return ClassNotFound
	}
	return ClassRejected
}

func successMessage(resp *backend.SubmitResponse) string {
	if resp.Message != "" {
		return resp.Message
	}
	if resp.CustomerName != "" {
		return fmt.Sprintf("+%d points for %s", resp.Points, resp.CustomerName)
	}
	return fmt.Sprintf("+%d points", resp.Points)
}

func defaultMessage(c ErrorClass) string {
	switch c {
	case ClassAlreadyScannedToday:
		return "This customer has already scanned today."
	case ClassDuplicate:
		return "This scan was already recorded."
	case ClassNotFound:
		return "Code not recognised."
	default:
		return "The scan was rejected."
	}
}
