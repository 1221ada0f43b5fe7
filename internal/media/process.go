package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/flowpbx/holdmusic/internal/reactor"
)

// ErrClosed is returned by Start once the controller has been closed.
var ErrClosed = errors.New("media controller closed")

// KillDelay is how long a media process gets to exit after a graceful stop
// request before it is force-terminated.
const KillDelay = 5 * time.Second

// EventKind identifies a media process lifecycle event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventRuntimeError
	EventStreamEnded
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventRuntimeError:
		return "runtime_error"
	case EventStreamEnded:
		return "stream_ended"
	case EventExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is a lifecycle notification from a media process. Launchers fill in
// Kind and the detail fields; the controller stamps CallID and Handle before
// delivering it.
type Event struct {
	CallID string
	Handle *Handle
	Kind   EventKind

	// Message describes a runtime error.
	Message string
	// Code is the exit status for EventExited, or -1 when the process was
	// terminated by a signal.
	Code int
	// Signal names the terminating signal for EventExited, if any.
	Signal string
}

// Failed reports whether the event should end the call that owns the process.
// A zero exit or a signal exit alone is not a failure; signal deaths are
// reported separately as runtime errors.
func (e Event) Failed() bool {
	switch e.Kind {
	case EventRuntimeError, EventStreamEnded:
		return true
	case EventExited:
		return e.Code > 0
	default:
		return false
	}
}

// Stream describes one outbound hold-music stream.
type Stream struct {
	Source    string         // audio file path
	Target    netip.AddrPort // caller's RTP address
	LocalIP   string         // address the stream is sent from
	LocalPort int            // server RTP port
}

// Process is a running media process.
type Process interface {
	Pid() int
	// Terminate requests a graceful stop.
	Terminate() error
	// Kill force-terminates the process.
	Kill() error
}

// Launcher starts media processes. Launch must report exactly one EventExited
// through emit, after every other event for that process. emit may be called
// from any goroutine.
type Launcher interface {
	Launch(stream Stream, emit func(Event)) (Process, error)
}

// Handle is the controller's record of one launched process. Its fields are
// only touched on the reactor goroutine.
type Handle struct {
	ID     uint64
	CallID string
	Stream Stream

	proc      Process
	events    *emitter
	stopping  bool
	exited    bool
	killTimer *reactor.Timer
}

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	return h.proc.Pid()
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	return h.exited
}

// Controller starts and stops media processes and delivers their lifecycle
// events on the reactor. Start and Stop must be called on the reactor
// goroutine.
type Controller struct {
	loop     *reactor.Loop
	launcher Launcher
	onEvent  func(Event)
	logger   *slog.Logger

	killDelay time.Duration
	nextID    uint64
	closed    bool
	running   sync.WaitGroup
}

// NewController creates a controller. onEvent is invoked on the reactor for
// every event of every process the controller launches.
func NewController(loop *reactor.Loop, launcher Launcher, onEvent func(Event), logger *slog.Logger) *Controller {
	return &Controller{
		loop:      loop,
		launcher:  launcher,
		onEvent:   onEvent,
		logger:    logger.With("subsystem", "media"),
		killDelay: KillDelay,
	}
}

// SetKillDelay overrides the grace period given to a stopping process.
func (c *Controller) SetKillDelay(d time.Duration) {
	c.killDelay = d
}

// Start launches a media process for callID. It fails with ErrClosed once
// Close has been called.
func (c *Controller) Start(callID string, stream Stream) (*Handle, error) {
	if c.closed {
		return nil, ErrClosed
	}

	c.nextID++
	h := &Handle{
		ID:     c.nextID,
		CallID: callID,
		Stream: stream,
	}
	h.events = &emitter{c: c, h: h}

	c.running.Add(1)
	var proc Process
	err := h.events.inline(func() error {
		var err error
		proc, err = c.launcher.Launch(stream, h.events.emit)
		return err
	})
	if err != nil {
		c.running.Done()
		return nil, fmt.Errorf("launching media process: %w", err)
	}
	h.proc = proc

	c.logger.Info("media process launched",
		"call_id", callID,
		"pid", proc.Pid(),
		"target", stream.Target.String(),
		"rtp_port", stream.LocalPort,
	)
	return h, nil
}

// Close stops the controller from launching new processes. Processes that
// are already running are unaffected.
func (c *Controller) Close() {
	c.closed = true
}

// Stop asks the process to exit and force-terminates it if it is still
// running after the kill delay. Stopping an exited or already stopping
// process does nothing.
func (c *Controller) Stop(h *Handle) {
	if h == nil || h.stopping || h.exited {
		return
	}
	h.stopping = true

	if err := h.events.inline(h.proc.Terminate); err != nil {
		c.logger.Debug("terminate media process failed",
			"call_id", h.CallID,
			"pid", h.proc.Pid(),
			"error", err,
		)
	}

	h.killTimer = c.loop.Schedule(c.killDelay, func() {
		if h.exited {
			return
		}
		c.logger.Warn("media process did not exit, killing",
			"call_id", h.CallID,
			"pid", h.proc.Pid(),
		)
		if err := h.events.inline(h.proc.Kill); err != nil {
			c.logger.Debug("kill media process failed",
				"call_id", h.CallID,
				"pid", h.proc.Pid(),
				"error", err,
			)
		}
	})
}

// Wait blocks until every launched process has exited or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch moves an event from a launcher goroutine onto the reactor.
func (c *Controller) dispatch(h *Handle, ev Event) {
	if !c.loop.Post(func() { c.deliver(h, ev) }) && ev.Kind == EventExited {
		c.running.Done()
	}
}

// deliver runs on the reactor.
func (c *Controller) deliver(h *Handle, ev Event) {
	ev.CallID = h.CallID
	ev.Handle = h

	if ev.Kind == EventExited {
		h.exited = true
		h.killTimer.Cancel()
		c.running.Done()
		c.logger.Debug("media process exited",
			"call_id", h.CallID,
			"code", ev.Code,
			"signal", ev.Signal,
		)
	}
	c.onEvent(ev)
}

// emitter is the event sink handed to a launcher. Events raised while the
// controller is calling into the process from the reactor are held and
// delivered with Loop.Defer; nothing on the reactor goroutine may Post.
type emitter struct {
	c *Controller
	h *Handle

	mu      sync.Mutex
	held    bool
	pending []Event
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.held {
		e.pending = append(e.pending, ev)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.c.dispatch(e.h, ev)
}

// inline calls fn on the reactor, delivering the events it raises after the
// current reactor closure returns. Events are dropped if fn fails.
func (e *emitter) inline(fn func() error) error {
	e.mu.Lock()
	e.held = true
	e.mu.Unlock()

	err := fn()

	e.mu.Lock()
	e.held = false
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if err != nil && e.h.proc == nil {
		return err
	}
	for _, ev := range pending {
		e.c.loop.Defer(func() { e.c.deliver(e.h, ev) })
	}
	return err
}
