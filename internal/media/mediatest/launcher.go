// Package mediatest provides an in-memory media launcher for tests.
package mediatest

import (
	"errors"
	"sync"

	"github.com/flowpbx/holdmusic/internal/media"
)

// ErrLaunchFailed is returned by Launch while the launcher is set to fail.
var ErrLaunchFailed = errors.New("launch failed")

// Launcher records launch requests and lets tests drive process events.
type Launcher struct {
	mu    sync.Mutex
	procs []*Process
	fail  bool
}

// FailNext makes subsequent launches fail until called with false.
func (l *Launcher) FailNext(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

// Launch implements media.Launcher.
func (l *Launcher) Launch(stream media.Stream, emit func(media.Event)) (media.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fail {
		return nil, ErrLaunchFailed
	}

	p := &Process{
		pid:    4000 + len(l.procs),
		Stream: stream,
		emit:   emit,
	}
	l.procs = append(l.procs, p)
	emit(media.Event{Kind: media.EventStarted})
	return p, nil
}

// Processes returns every process launched so far, oldest first.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Process, len(l.procs))
	copy(out, l.procs)
	return out
}

// Last returns the most recently launched process, or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Process is a fake media process. By default it exits as soon as it is
// terminated; set IgnoreTerm to make it wait for Kill.
type Process struct {
	Stream media.Stream

	mu         sync.Mutex
	pid        int
	emit       func(media.Event)
	terms      int
	kills      int
	exited     bool
	IgnoreTerm bool
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terms++
	ignore := p.IgnoreTerm
	p.mu.Unlock()

	if !ignore {
		p.Exit(-1, "terminated")
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()

	p.Exit(-1, "killed")
	return nil
}

// Terminations returns how many graceful stop requests were received.
func (p *Process) Terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms
}

// Kills returns how many force-terminations were received.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// Emit delivers an arbitrary event, as a running process would.
func (p *Process) Emit(ev media.Event) {
	p.emit(ev)
}

// Exit reports the process exit. Only the first call has any effect.
func (p *Process) Exit(code int, signal string) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()

	p.emit(media.Event{Kind: media.EventExited, Code: code, Signal: signal})
}

// HasExited reports whether Exit has been reported.
func (p *Process) HasExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}
