// Package engine owns the monitor connection and serializes every public
// debugging operation through a single worker goroutine, the same
// task-queue/single-shot-result shape golang-debug's program server uses
// for its ptrace worker, generalized to the MEGA65 monitor protocol and
// its main loop of task-dispatch / async-event-poll / inactivity-timer
// checks (spec §4.7).
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/m65dap/bridge/internal/eval"
	"github.com/m65dap/bridge/internal/memcache"
	"github.com/m65dap/bridge/internal/monitor"
	"github.com/m65dap/bridge/internal/opcodes"
	"github.com/m65dap/bridge/internal/symbols"
	"github.com/m65dap/bridge/internal/transport"
)

// StoppedReason identifies why the target transitioned to stopped.
type StoppedReason string

const (
	Pause      StoppedReason = "pause"
	Step       StoppedReason = "step"
	Breakpoint StoppedReason = "breakpoint"
)

// StoppedEvent is delivered to the registered handler whenever the target
// halts.
type StoppedEvent struct {
	Reason StoppedReason
}

// ErrorKind classifies a task failure for translation into a DAP error
// response.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindTimeout
	KindProtocol
	KindState
	KindDomain
)

// TaskError wraps an engine failure with a classification (spec §7). The
// DAP layer reports every task error as the same generic error response;
// it does not inspect Kind.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaskError) Error() string { return e.Err.Error() }
func (e *TaskError) Unwrap() error { return e.Err }

func newTaskError(kind ErrorKind, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// breakpointState is everything remembered about the single breakpoint the
// engine supports (spec §3: one resident breakpoint at a time).
type breakpointState struct {
	src          string
	resolvedLine int
	pc           int
}

// SourcePosition identifies a source location resolved from a target
// address, used for the supplemented stack-trace feature (SPEC_FULL.md).
type SourcePosition struct {
	Path string
	Line int
}

type taskResult struct {
	val interface{}
	err error
}

type task struct {
	run      func() (interface{}, error)
	resultCh chan taskResult
}

// Engine serializes every debugging operation onto one worker goroutine
// that owns the monitor connection, memory cache, and breakpoint state.
type Engine struct {
	log *logrus.Entry

	mu    sync.Mutex
	queue []*task

	quit chan struct{}
	wg   sync.WaitGroup

	mon    *monitor.Monitor
	tr     transport.Transport
	cache  *memcache.Cache
	model  *symbols.Model
	isXemu bool

	resetOnDisconnect bool

	// Only touched from the worker goroutine.
	breakpoint *breakpointState
	registers  monitor.Registers
	stopped    bool

	onStopped func(StoppedEvent)
}

// New constructs an Engine with no live connection; call Connect to attach
// a transport before enqueuing operations.
func New(log *logrus.Entry, onStopped func(StoppedEvent)) *Engine {
	return &Engine{
		log:       log,
		quit:      make(chan struct{}),
		onStopped: onStopped,
	}
}

// Connect opens target (a serial device path or "unix#..." socket
// spec), syncs with the monitor, and starts the worker goroutine.
// resetBeforeRun optionally resets the target first.
func (e *Engine) Connect(target string, resetBeforeRun bool, resetAfterDisconnect bool) error {
	t, isXemu, err := transport.Open(target)
	if err != nil {
		return newTaskError(KindTransport, "engine: open %s: %w", target, err)
	}

	e.tr = t
	e.isXemu = isXemu
	e.resetOnDisconnect = resetAfterDisconnect
	e.mon = monitor.New(t, isXemu, e.log)
	e.cache = memcache.New(e.mon, 512)

	if err := e.mon.Sync(); err != nil {
		return newTaskError(KindProtocol, "engine: %w", err)
	}
	if resetBeforeRun {
		if err := e.mon.Reset(); err != nil {
			return newTaskError(KindTransport, "engine: reset: %w", err)
		}
		if err := e.mon.Sync(); err != nil {
			return newTaskError(KindProtocol, "engine: resync after reset: %w", err)
		}
	}

	e.wg.Add(1)
	go e.loop()
	return nil
}

// Disconnect stops the worker loop and closes the transport, optionally
// resetting the target first (spec §4.7 termination semantics).
func (e *Engine) Disconnect() error {
	close(e.quit)
	e.wg.Wait()

	if e.resetOnDisconnect && !e.isXemu && e.mon != nil {
		_ = e.mon.Reset()
	}
	if e.tr != nil {
		return e.tr.Close()
	}
	return nil
}

// enqueue packages run as a task, appends it to the FIFO queue under the
// lock, and blocks until the worker goroutine has executed it.
func (e *Engine) enqueue(run func() (interface{}, error)) (interface{}, error) {
	t := &task{run: run, resultCh: make(chan taskResult, 1)}
	e.mu.Lock()
	e.queue = append(e.queue, t)
	e.mu.Unlock()
	r := <-t.resultCh
	return r.val, r.err
}

func (e *Engine) popTask() *task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	t := e.queue[0]
	e.queue = e.queue[1:]
	return t
}

// loop is the worker goroutine's main loop (spec §4.7): pop at most one
// task per iteration, poll for an asynchronous breakpoint event, check the
// inactivity timer, then sleep a 10ms quantum.
func (e *Engine) loop() {
	defer e.wg.Done()
	lastActivity := time.Now()

	for {
		select {
		case <-e.quit:
			return
		default:
		}

		if t := e.popTask(); t != nil {
			val, err := t.run()
			t.resultCh <- taskResult{val, err}
			lastActivity = time.Now()
		}

		if e.doEventProcessing() {
			lastActivity = time.Now()
		} else if time.Since(lastActivity) > time.Second {
			if e.checkBreakpointByPC() {
				lastActivity = time.Now()
			}
		}

		select {
		case <-e.quit:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// doEventProcessing performs one non-blocking poll for an asynchronous
// breakpoint notification (spec §4.6). It returns true if an event was
// consumed (whether or not it resulted in a stop), so the caller can reset
// its inactivity timer.
func (e *Engine) doEventProcessing() bool {
	lines, found, err := e.mon.PollAsyncEvent(0)
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).Debug("async event poll failed")
		}
		return false
	}
	if !found {
		return false
	}

	regs, err := e.mon.ParseRegisterBlock(lines)
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).Debug("failed to parse async registers block")
		}
		_ = e.mon.TraceOff(nil)
		return true
	}
	e.registers = regs

	if e.isBreakpointTriggerValid(regs) {
		e.transitionToStopped(Breakpoint)
	} else {
		_ = e.mon.TraceOff(nil)
	}
	return true
}

// checkBreakpointByPC is the inactivity-timer fallback: actively poll
// registers and check for a PC match at the remembered breakpoint.
func (e *Engine) checkBreakpointByPC() bool {
	if e.breakpoint == nil || e.stopped {
		return false
	}
	regs, err := e.mon.ReadRegisters(nil)
	if err != nil {
		return false
	}
	e.registers = regs
	if regs.PC != e.breakpoint.pc {
		return false
	}
	if e.isBreakpointTriggerValid(regs) {
		e.transitionToStopped(Breakpoint)
		return true
	}
	return false
}

// isBreakpointTriggerValid implements spec §4.6's "Breakpoint validity":
// a non-call opcode at the breakpoint address always validates; a
// call-family opcode validates only when the current PC equals the
// computed call target, distinguishing a physical hit at the JSR/BSR
// itself from the semantic call having actually been taken.
func (e *Engine) isBreakpointTriggerValid(regs monitor.Registers) bool {
	if e.breakpoint == nil {
		return false
	}
	pc := e.breakpoint.pc
	var opByte [1]byte
	if err := e.cache.Read(pc, opByte[:]); err != nil {
		return false
	}
	op := opcodes.Lookup(opByte[0])
	if op.Mnemonic == opcodes.Illegal {
		return true
	}
	w, err := e.cache.ReadWord(pc + 1)
	if err != nil {
		return false
	}
	target, err := opcodes.CallTarget(e.cache, pc, op, w, regs.X)
	if err != nil {
		return false
	}
	return regs.PC == target
}

func (e *Engine) transitionToStopped(reason StoppedReason) {
	e.stopped = true
	e.cache.Invalidate()
	e.emitStopped(reason)
}

// emitStopped invokes the registered handler on a short-lived goroutine
// and waits for it to finish, preserving the ordering guarantee that a
// stopped event is fully delivered before the next task is dispatched
// (spec §4.7, §5).
func (e *Engine) emitStopped(reason StoppedReason) {
	if e.onStopped == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.onStopped(StoppedEvent{Reason: reason})
	}()
	<-done
}

// SetTarget uploads program at path and loads its matching .dbg symbol
// file (same basename, ".dbg" extension) (spec §4.7).
func (e *Engine) SetTarget(path string) error {
	_, err := e.enqueue(func() (interface{}, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, newTaskError(KindDomain, "engine: read program: %w", err)
		}
		if err := e.mon.UploadPRG(data, nil); err != nil {
			return nil, newTaskError(KindTransport, "engine: upload program: %w", err)
		}

		dbgPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".dbg"
		model, err := symbols.Load(dbgPath)
		if err != nil {
			return nil, newTaskError(KindDomain, "engine: load symbols: %w", err)
		}
		e.model = model
		return nil, nil
	})
	return err
}

// RunTarget types "RUN\r" into the target's keyboard buffer (spec §4.7).
func (e *Engine) RunTarget() error {
	_, err := e.enqueue(func() (interface{}, error) {
		return nil, e.mon.SimulateKeypresses("RUN\r", nil)
	})
	return err
}

// Pause halts the target, refreshes registers, invalidates the cache, and
// emits a stopped(Pause) event.
func (e *Engine) Pause() error {
	_, err := e.enqueue(func() (interface{}, error) {
		if err := e.mon.TraceOn(nil); err != nil {
			return nil, newTaskError(KindTransport, "engine: pause: %w", err)
		}
		regs, err := e.mon.ReadRegisters(nil)
		if err != nil {
			return nil, newTaskError(KindTransport, "engine: pause: read registers: %w", err)
		}
		e.registers = regs
		e.cache.Invalidate()
		e.stopped = true
		e.emitStopped(Pause)
		return nil, nil
	})
	return err
}

// Cont resumes the target.
func (e *Engine) Cont() error {
	_, err := e.enqueue(func() (interface{}, error) {
		if err := e.mon.TraceOff(nil); err != nil {
			return nil, newTaskError(KindTransport, "engine: cont: %w", err)
		}
		e.stopped = false
		return nil, nil
	})
	return err
}

// Next single-steps the target. It requires the stopped state.
func (e *Engine) Next() error {
	_, err := e.enqueue(func() (interface{}, error) {
		if !e.stopped {
			return nil, newTaskError(KindState, "engine: next: target is not stopped")
		}
		regs, err := e.mon.Step(nil)
		if err != nil {
			return nil, newTaskError(KindTransport, "engine: next: %w", err)
		}
		e.registers = regs
		if err := e.cache.RefreshAccessed(); err != nil {
			return nil, newTaskError(KindTransport, "engine: next: refresh cache: %w", err)
		}
		e.emitStopped(Step)
		return nil, nil
	})
	return err
}

// SetBreakpoint resolves (src, line) to a target address via the loaded
// symbol model and sets a monitor breakpoint there.
func (e *Engine) SetBreakpoint(src string, line int) error {
	_, err := e.enqueue(func() (interface{}, error) {
		if e.model == nil {
			return nil, newTaskError(KindState, "engine: set breakpoint: no symbols loaded")
		}
		entry, ok := e.model.NextBreakpointLine(src, line)
		if !ok {
			return nil, newTaskError(KindDomain, "engine: set breakpoint: no mapping for %s:%d", src, line)
		}
		if err := e.mon.SetBreakpoint(entry.Start, nil); err != nil {
			return nil, newTaskError(KindTransport, "engine: set breakpoint: %w", err)
		}
		e.breakpoint = &breakpointState{src: src, resolvedLine: entry.Line1, pc: entry.Start}
		return entry.Line1, nil
	})
	return err
}

// ClearBreakpoint removes the monitor breakpoint, if any.
func (e *Engine) ClearBreakpoint() error {
	_, err := e.enqueue(func() (interface{}, error) {
		if err := e.mon.ClearBreakpoint(nil); err != nil {
			return nil, newTaskError(KindTransport, "engine: clear breakpoint: %w", err)
		}
		e.breakpoint = nil
		return nil, nil
	})
	return err
}

// EvaluateExpression evaluates expr against current memory. It requires
// the stopped state (spec §4.7).
func (e *Engine) EvaluateExpression(expr string) (eval.Result, error) {
	val, err := e.enqueue(func() (interface{}, error) {
		if !e.stopped {
			return nil, newTaskError(KindState, "engine: evaluate: target is not stopped")
		}
		result, err := eval.Evaluate(expr, e.cache, modelLabeler{e.model})
		if err != nil {
			return nil, newTaskError(KindDomain, "engine: evaluate: %w", err)
		}
		return result, nil
	})
	if err != nil {
		return eval.Result{}, err
	}
	return val.(eval.Result), nil
}

// ReadMemory reads count bytes starting at addr through the paged memory
// cache, backing the DAP readMemory request (spec.md §6.1).
func (e *Engine) ReadMemory(addr, count int) ([]byte, error) {
	val, err := e.enqueue(func() (interface{}, error) {
		if !e.stopped {
			return nil, newTaskError(KindState, "engine: read memory: target is not stopped")
		}
		buf := make([]byte, count)
		if err := e.cache.Read(addr, buf); err != nil {
			return nil, newTaskError(KindTransport, "engine: read memory: %w", err)
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]byte), nil
}

// Registers returns the most recently refreshed register snapshot.
func (e *Engine) Registers() monitor.Registers { return e.registers }

// Stopped reports whether the target is currently halted.
func (e *Engine) Stopped() bool { return e.stopped }

// CurrentSourcePosition resolves the current PC to a source location via
// the loaded symbol model, for the supplemented stack-trace feature.
func (e *Engine) CurrentSourcePosition() (SourcePosition, bool) {
	if e.model == nil {
		return SourcePosition{}, false
	}
	_, _, entry, ok := e.model.BlockEntryAt(e.registers.PC)
	if !ok {
		return SourcePosition{}, false
	}
	path, ok := e.model.File(entry.FileIndex)
	if !ok {
		return SourcePosition{}, false
	}
	return SourcePosition{Path: path, Line: entry.Line1}, true
}

// modelLabeler adapts *symbols.Model to eval.Labeler.
type modelLabeler struct{ model *symbols.Model }

func (m modelLabeler) LabelInfo(name string) (int, bool) {
	if m.model == nil {
		return 0, false
	}
	label, ok := m.model.LabelInfo(name)
	if !ok {
		return 0, false
	}
	return label.Address, true
}
