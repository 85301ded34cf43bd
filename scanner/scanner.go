// Package scanner is the station's camera lifecycle: it owns the decode
// session, runs reads through the submission pipeline and drives the
// success / warning / error / pause cycle back to scanning.
//
// Every asynchronous continuation (acquisition, reads, submission results,
// timers) captures the generation current when it was scheduled and is
// discarded if Stop or a new Start bumped it meanwhile.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pointscan/authz"
	"github.com/hazyhaar/pointscan/capability"
	"github.com/hazyhaar/pointscan/decode"
	"github.com/hazyhaar/pointscan/kit"
	"github.com/hazyhaar/pointscan/observability"
	"github.com/hazyhaar/pointscan/submit"
)

// State of the machine.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateScanning   State = "scanning"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateWarning    State = "warning"
	StateError      State = "error"
	StatePaused     State = "paused"
)

// Reason classes reported with a fatal start failure.
const (
	ReasonNotAuthorized   = "not_authorized"
	ReasonOutsideGeofence = "outside_geofence"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier shows a transient message to the operator. Optional, must not
// block.
type Notifier interface {
	Notify(msg string, severity Severity)
}

// Haptics vibrates the device. Optional, must not block.
type Haptics interface {
	Vibrate(pattern []time.Duration)
}

var (
	hapticSuccess = []time.Duration{80 * time.Millisecond}
	hapticWarning = []time.Duration{60 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond}
	hapticError   = []time.Duration{200 * time.Millisecond}
)

// Session is the explicit station context the machine runs for.
type Session struct {
	StationID    string
	StoreContext string
}

// Authorizer is the start preflight.
type Authorizer interface {
	Check(ctx context.Context) (*authz.Grant, error)
}

// Acquirer opens the camera (decode.Chain in production).
type Acquirer interface {
	Acquire(ctx context.Context, c decode.Constraints) (decode.Session, error)
}

// Processor submits reads. Accept is the cheap debounce/throttle guard;
// only reads it lets through are sent.
type Processor interface {
	Accept(r decode.Read) error
	Send(ctx context.Context, r decode.Read) submit.Result
	Reset()
}

// Prefs persists the running intent.
type Prefs interface {
	ShouldRun(ctx context.Context) bool
	SetShouldRun(ctx context.Context, run bool) error
}

// Reachability reports whether the backend is reachable.
type Reachability interface {
	Online() bool
}

// Snapshot is the observable state.
type Snapshot struct {
	State        State                   `json:"state"`
	Reason       string                  `json:"reason,omitempty"`
	Message      string                  `json:"message,omitempty"`
	Countdown    int                     `json:"countdown,omitempty"`
	Capabilities capability.Capabilities `json:"capabilities"`
	TorchOn      bool                    `json:"torch_on"`
	Result       *submit.Result          `json:"result,omitempty"`
	Offline      bool                    `json:"offline"`
	Generation   uint64                  `json:"generation"`
	At           time.Time               `json:"at"`
}

// Options configures a Machine. Zero durations take the defaults.
type Options struct {
	// PauseCountdown is the pause after a success. Default 5s.
	PauseCountdown time.Duration
	// WarningReturn is the delay before warning/error return to scanning.
	// Default 3s.
	WarningReturn time.Duration
	// RefocusInterval is the periodic refocus cadence. Default 8s.
	RefocusInterval time.Duration
	Constraints     decode.Constraints

	Authorizer   Authorizer
	Prefs        Prefs
	Reachability Reachability
	Notifier     Notifier
	Haptics      Haptics
	Controller   *capability.Controller
	Events       *observability.EventLogger
	Logger       *slog.Logger
}

// Machine is the scan state machine. Safe for concurrent use.
type Machine struct {
	sess      Session
	acquirer  Acquirer
	processor Processor
	opts      Options

	mu        sync.Mutex
	state     State
	reason    string
	message   string
	countdown int
	result    *submit.Result
	gen       uint64
	cancel    context.CancelFunc
	session   decode.Session
	timer     *time.Timer
	subs      map[chan Snapshot]struct{}
}

// New returns a stopped Machine.
func New(sess Session, acquirer Acquirer, processor Processor, opts Options) *Machine {
	if opts.PauseCountdown <= 0 {
		opts.PauseCountdown = 5 * time.Second
	}
	if opts.WarningReturn <= 0 {
		opts.WarningReturn = 3 * time.Second
	}
	if opts.RefocusInterval <= 0 {
		opts.RefocusInterval = 8 * time.Second
	}
	if opts.Constraints.FacingMode == "" {
		opts.Constraints.FacingMode = "environment"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Controller == nil {
		opts.Controller = capability.NewController(capability.WithLogger(opts.Logger))
	}
	return &Machine{
		sess:      sess,
		acquirer:  acquirer,
		processor: processor,
		opts:      opts,
		state:     StateStopped,
		subs:      make(map[chan Snapshot]struct{}),
	}
}

// Start runs the preflight, acquires the camera and begins scanning. It is
// a no-op unless the machine is stopped. A failed start leaves the machine
// stopped with the reason in the snapshot and returns the error.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	g := m.gen
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = kit.WithGeneration(kit.WithStationID(runCtx, m.sess.StationID), g)
	m.cancel = cancel
	m.reason, m.message, m.result, m.countdown = "", "", nil, 0
	m.setLocked(StateStarting)
	m.mu.Unlock()

	m.processor.Reset()

	if m.opts.Authorizer != nil {
		if _, err := m.opts.Authorizer.Check(runCtx); err != nil {
			reason := ReasonNotAuthorized
			if errors.Is(err, authz.ErrOutsideGeofence) {
				reason = ReasonOutsideGeofence
			}
			m.fail(g, reason, authzMessage(reason, err), err)
			return err
		}
	}

	session, err := m.acquirer.Acquire(runCtx, m.opts.Constraints)
	if err != nil {
		class := decode.Classify(err)
		m.fail(g, string(class), decode.OperatorMessage(class), err)
		return err
	}

	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		session.Close()
		return nil
	}
	m.session = session
	m.opts.Controller.Probe(session.Track())
	m.message = "Ready to scan"
	m.setLocked(StateScanning)
	m.mu.Unlock()

	if m.opts.Prefs != nil {
		if err := m.opts.Prefs.SetShouldRun(runCtx, true); err != nil {
			m.opts.Logger.Warn("scanner: persist should_run", "error", err)
		}
	}

	go m.readLoop(runCtx, g, session)
	go m.opts.Controller.RunAutoRefocus(runCtx, m.opts.RefocusInterval, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.gen == g && m.state == StateScanning
	})
	return nil
}

// Resume starts the machine if the persisted intent says it should run.
func (m *Machine) Resume(ctx context.Context) error {
	if m.opts.Prefs == nil || !m.opts.Prefs.ShouldRun(ctx) {
		return nil
	}
	m.opts.Logger.InfoContext(ctx, "scanner: resuming after restart", "station", m.sess.StationID)
	return m.Start(ctx)
}

// Stop tears everything down from any state and records that the scanner
// should not run. Idempotent.
func (m *Machine) Stop(ctx context.Context) {
	m.teardown("")
	if m.opts.Prefs != nil {
		if err := m.opts.Prefs.SetShouldRun(ctx, false); err != nil {
			m.opts.Logger.Warn("scanner: persist should_run", "error", err)
		}
	}
}

// Shutdown tears down like Stop but keeps the persisted intent, so the
// next process resumes.
func (m *Machine) Shutdown() {
	m.teardown("")
}

// teardown bumps the generation, cancels the run and releases the camera.
// A non-empty reason is kept in the final snapshot.
func (m *Machine) teardown(reason string) {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	session := m.session
	m.session = nil
	wasStopped := m.state == StateStopped
	if reason == "" {
		m.reason, m.message = "", ""
	}
	m.countdown, m.result = 0, nil
	m.opts.Controller.Release()
	if !wasStopped || reason != "" {
		m.setLocked(StateStopped)
	} else {
		m.state = StateStopped
	}
	m.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			m.opts.Logger.Debug("scanner: session close", "error", err)
		}
	}
	m.processor.Reset()
}

// fail reports a fatal failure of generation g: error, then stopped.
func (m *Machine) fail(g uint64, reason, message string, err error) {
	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		return
	}
	m.reason, m.message = reason, message
	m.setLocked(StateError)
	m.mu.Unlock()

	m.opts.Logger.Error("scanner: fatal", "reason", reason, "error", err, "station", m.sess.StationID)
	m.notify(message, SeverityError, hapticError)
	m.teardown(reason)
}

func (m *Machine) readLoop(ctx context.Context, g uint64, session decode.Session) {
	for r := range session.Reads() {
		m.onRead(ctx, g, r)
	}
	if ctx.Err() != nil {
		return
	}
	err := session.Err()
	if err == nil {
		err = errors.New("camera stream ended")
	}
	class := decode.Classify(err)
	m.fail(g, string(class), decode.OperatorMessage(class), err)
}

func (m *Machine) onRead(ctx context.Context, g uint64, r decode.Read) {
	m.mu.Lock()
	if m.gen != g || m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	// A debounced or throttled read is dropped without a transition: a code
	// held in front of the camera is read several times a second.
	if err := m.processor.Accept(r); err != nil {
		m.mu.Unlock()
		return
	}
	m.result = nil
	m.setLocked(StateProcessing)
	m.mu.Unlock()

	// The submission outlives a Stop so an in-flight scan still lands in
	// the queue; its result is discarded by the generation check.
	res := m.processor.Send(context.WithoutCancel(ctx), r)

	m.mu.Lock()
	if m.gen != g || m.state != StateProcessing {
		m.mu.Unlock()
		return
	}
	m.result = &res
	m.message = res.Message
	switch res.Outcome {
	case submit.OutcomeSuccess:
		m.setLocked(StateSuccess)
		m.startPauseLocked(ctx, g)
		m.mu.Unlock()
		m.notify(res.Message, SeveritySuccess, hapticSuccess)
	case submit.OutcomeWarning:
		m.setLocked(StateWarning)
		m.startReturnLocked(g, StateWarning)
		m.mu.Unlock()
		m.notify(res.Message, SeverityWarning, hapticWarning)
	default:
		m.setLocked(StateError)
		m.startReturnLocked(g, StateError)
		m.mu.Unlock()
		m.notify(res.Message, SeverityError, hapticError)
	}
}

// startPauseLocked enters paused and counts down to scanning.
func (m *Machine) startPauseLocked(ctx context.Context, g uint64) {
	total := m.opts.PauseCountdown
	m.countdown = ceilSeconds(total)
	m.setLocked(StatePaused)

	tick := time.Second
	if total < tick {
		tick = total
	}
	deadline := time.Now().Add(total)
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			remain := time.Until(deadline)
			m.mu.Lock()
			if m.gen != g || m.state != StatePaused {
				m.mu.Unlock()
				return
			}
			if remain > 0 {
				m.countdown = ceilSeconds(remain)
				m.setLocked(StatePaused)
				m.mu.Unlock()
				continue
			}
			m.countdown = 0
			m.result = nil
			m.message = "Ready to scan"
			m.setLocked(StateScanning)
			m.mu.Unlock()
			m.opts.Controller.Refocus(ctx)
			return
		}
	}()
}

// startReturnLocked schedules the automatic return from warning or error.
func (m *Machine) startReturnLocked(g uint64, from State) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.opts.WarningReturn, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != g || m.state != from {
			return
		}
		m.timer = nil
		m.result = nil
		m.message = "Ready to scan"
		m.setLocked(StateScanning)
	})
}

// ToggleTorch flips the torch when the camera supports it.
func (m *Machine) ToggleTorch() bool {
	on := m.opts.Controller.ToggleTorch()
	m.mu.Lock()
	m.publishLocked()
	m.mu.Unlock()
	return on
}

// Refocus runs one refocus pass.
func (m *Machine) Refocus(ctx context.Context) {
	m.opts.Controller.Refocus(ctx)
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a channel of snapshots and a cancel func. A subscriber
// that does not keep up misses snapshots.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// WatchReachability re-publishes the snapshot on every signal from
// changed until ctx is done, so subscribers see Offline flip without
// waiting for a state transition.
func (m *Machine) WatchReachability(ctx context.Context, changed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			m.Publish()
		}
	}
}

// Publish re-sends the current snapshot (e.g. after a reachability change).
func (m *Machine) Publish() {
	m.mu.Lock()
	m.publishLocked()
	m.mu.Unlock()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:        m.state,
		Reason:       m.reason,
		Message:      m.message,
		Countdown:    m.countdown,
		Capabilities: m.opts.Controller.Capabilities(),
		TorchOn:      m.opts.Controller.TorchOn(),
		Result:       m.result,
		Generation:   m.gen,
		At:           time.Now(),
	}
	if m.opts.Reachability != nil {
		s.Offline = !m.opts.Reachability.Online()
	}
	return s
}

// setLocked moves to state and publishes.
func (m *Machine) setLocked(state State) {
	prev := m.state
	m.state = state
	snap := m.publishLocked()
	if prev != state {
		m.opts.Logger.Debug("scanner: transition", "from", prev, "state", state, "generation", m.gen)
		if m.opts.Events == nil {
			return
		}
		e := observability.Event{
			Kind:    "lifecycle",
			Station: m.sess.StationID,
			Store:   m.sess.StoreContext,
			State:   string(state),
			Detail:  m.reason,
			Success: state == StateSuccess,
		}
		if snap.Result != nil {
			e.Code, e.ScanID = snap.Result.Code, snap.Result.ScanID
		}
		go m.opts.Events.LogEvent(context.Background(), e)
	}
}

func (m *Machine) publishLocked() Snapshot {
	snap := m.snapshotLocked()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

func (m *Machine) notify(msg string, sev Severity, pattern []time.Duration) {
	if m.opts.Notifier != nil && msg != "" {
		m.opts.Notifier.Notify(msg, sev)
	}
	if m.opts.Haptics != nil {
		m.opts.Haptics.Vibrate(pattern)
	}
}

func authzMessage(reason string, err error) string {
	if reason == ReasonOutsideGeofence {
		return "This station is outside the store area. Scanning is disabled here."
	}
	var de *authz.DeniedError
	if errors.As(err, &de) && de.Reason != "" {
		return "This device is not authorised to scan: " + de.Reason
	}
	return "This device is not authorised to scan for this store."
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
