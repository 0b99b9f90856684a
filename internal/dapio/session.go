// Package dapio implements the Debug Adapter Protocol session loop over
// stdin/stdout, translating DAP requests into calls against the control
// engine and engine stopped-events into DAP stopped events. Grounded on
// docker-buildx's own go-dap session (read-loop, send-with-mutex,
// newResponse/newEvent helpers, per-request handler methods).
package dapio

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/m65dap/bridge/internal/engine"
)

const (
	threadID   = 1
	threadName = "MEGA65Thread"

	scopeRegistersID = 1
	scopeLocalVarsID = 2

	frameID = 1
)

// Session drives one DAP conversation over a reader/writer pair
// (stdin/stdout in production, in-memory buffers in tests).
type Session struct {
	r      io.Reader
	w      io.Writer
	sendMu sync.Mutex
	log    *logrus.Entry

	eng *engine.Engine
}

// NewSession constructs a Session reading requests from r and writing
// responses/events to w.
func NewSession(r io.Reader, w io.Writer, log *logrus.Entry) *Session {
	return &Session{r: r, w: w, log: log}
}

// Serve reads and dispatches DAP messages until EOF or a fatal read error.
func (s *Session) Serve() error {
	br := bufio.NewReader(s.r)
	for {
		msg, err := dap.ReadProtocolMessage(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("dapio: read message: %w", err)
		}
		s.handle(msg)
	}
}

func (s *Session) send(msg dap.Message) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := dap.WriteProtocolMessage(s.w, msg); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to write DAP message")
	}
}

func (s *Session) handle(msg dap.Message) {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		s.onInitialize(req)
	case *dap.LaunchRequest:
		s.onLaunch(req)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDone(req)
	case *dap.DisconnectRequest:
		s.onDisconnect(req)
	case *dap.ThreadsRequest:
		s.onThreads(req)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpoints(req)
	case *dap.PauseRequest:
		s.onPause(req)
	case *dap.ContinueRequest:
		s.onContinue(req)
	case *dap.NextRequest:
		s.onNext(req)
	case *dap.StackTraceRequest:
		s.onStackTrace(req)
	case *dap.SourceRequest:
		s.onSource(req)
	case *dap.ScopesRequest:
		s.onScopes(req)
	case *dap.VariablesRequest:
		s.onVariables(req)
	case *dap.EvaluateRequest:
		s.onEvaluate(req)
	case *dap.ReadMemoryRequest:
		s.onReadMemory(req)
	default:
		if s.log != nil {
			s.log.Warnf("unsupported DAP request %T", msg)
		}
	}
}

func (s *Session) sendError(requestSeq int, command, format string, args ...interface{}) {
	r := &dap.ErrorResponse{}
	r.Response = *newResponse(requestSeq, command)
	r.Success = false
	r.Message = fmt.Sprintf(format, args...)
	r.Body.Error = &dap.ErrorMessage{Format: r.Message, Id: 1}
	s.send(r)
}

func (s *Session) onInitialize(req *dap.InitializeRequest) {
	resp := &dap.InitializeResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	resp.Body.SupportsConfigurationDoneRequest = true
	resp.Body.SupportsValueFormattingOptions = true
	resp.Body.SupportsReadMemoryRequest = true
	s.send(resp)
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

// launchConfig carries the custom "launch" fields spec §6.1 defines.
type launchConfig struct {
	Program              string `json:"program"`
	SerialPort           string `json:"serialPort"`
	ResetBeforeRun       bool   `json:"resetBeforeRun"`
	ResetAfterDisconnect bool   `json:"resetAfterDisconnect"`
}

func (s *Session) onLaunch(req *dap.LaunchRequest) {
	cfg := launchConfig{ResetAfterDisconnect: true}
	if err := json.Unmarshal(req.Arguments, &cfg); err != nil {
		s.sendError(req.Seq, req.Command, "dapio: parse launch arguments: %v", err)
		return
	}
	if cfg.Program == "" || cfg.SerialPort == "" {
		s.sendError(req.Seq, req.Command, "dapio: launch requires both program and serialPort")
		return
	}

	s.eng = engine.New(s.log, s.onStopped)
	if err := s.eng.Connect(cfg.SerialPort, cfg.ResetBeforeRun, cfg.ResetAfterDisconnect); err != nil {
		s.sendError(req.Seq, req.Command, "dapio: connect: %v", err)
		return
	}
	if err := s.eng.SetTarget(cfg.Program); err != nil {
		s.sendError(req.Seq, req.Command, "dapio: set target: %v", err)
		return
	}
	if err := s.eng.RunTarget(); err != nil {
		s.sendError(req.Seq, req.Command, "dapio: run target: %v", err)
		return
	}

	resp := &dap.LaunchResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	s.send(resp)
}

func (s *Session) onConfigurationDone(req *dap.ConfigurationDoneRequest) {
	resp := &dap.ConfigurationDoneResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	s.send(resp)
}

func (s *Session) onDisconnect(req *dap.DisconnectRequest) {
	if s.eng != nil {
		if err := s.eng.Disconnect(); err != nil && s.log != nil {
			s.log.WithError(err).Warn("error disconnecting engine")
		}
	}
	resp := &dap.DisconnectResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	s.send(resp)
}

func (s *Session) onThreads(req *dap.ThreadsRequest) {
	resp := &dap.ThreadsResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	resp.Body.Threads = []dap.Thread{{Id: threadID, Name: threadName}}
	s.send(resp)
}

// onSetBreakpoints replaces the bridge's single breakpoint with whatever
// this request names. DAP's setBreakpoints request always carries the full
// desired set for the source, so an empty list means "remove the
// breakpoint" (engine.ClearBreakpoint sends a distinct monitor command;
// re-setting does not implicitly clear the old one).
func (s *Session) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	resp := &dap.SetBreakpointsResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)

	if len(req.Arguments.Breakpoints) == 0 {
		if s.eng != nil {
			if err := s.eng.ClearBreakpoint(); err != nil && s.log != nil {
				s.log.WithError(err).Warn("error clearing breakpoint")
			}
		}
		resp.Body.Breakpoints = nil
		s.send(resp)
		return
	}

	bps := make([]dap.Breakpoint, len(req.Arguments.Breakpoints))
	for i, src := range req.Arguments.Breakpoints {
		verified := false
		if i == 0 && s.eng != nil {
			path := req.Arguments.Source.Path
			if err := s.eng.SetBreakpoint(path, src.Line); err == nil {
				verified = true
			}
		}
		bps[i] = dap.Breakpoint{Line: src.Line, Verified: verified}
	}
	resp.Body.Breakpoints = bps
	s.send(resp)
}

func (s *Session) onPause(req *dap.PauseRequest) {
	resp := &dap.PauseResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	if s.eng != nil {
		if err := s.eng.Pause(); err != nil {
			s.sendError(req.Seq, req.Command, "dapio: pause: %v", err)
			return
		}
	}
	s.send(resp)
}

func (s *Session) onContinue(req *dap.ContinueRequest) {
	resp := &dap.ContinueResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	if s.eng != nil {
		if err := s.eng.Cont(); err != nil {
			s.sendError(req.Seq, req.Command, "dapio: continue: %v", err)
			return
		}
	}
	s.send(resp)
}

func (s *Session) onNext(req *dap.NextRequest) {
	resp := &dap.NextResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	if s.eng != nil {
		if err := s.eng.Next(); err != nil {
			s.sendError(req.Seq, req.Command, "dapio: next: %v", err)
			return
		}
	}
	s.send(resp)
}

func (s *Session) onStackTrace(req *dap.StackTraceRequest) {
	resp := &dap.StackTraceResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)

	frame := dap.StackFrame{Id: frameID, Name: threadName}
	if s.eng != nil {
		if pos, ok := s.eng.CurrentSourcePosition(); ok {
			frame.Line = pos.Line
			frame.Source = &dap.Source{Path: pos.Path, Name: pos.Path}
		}
	}
	resp.Body.StackFrames = []dap.StackFrame{frame}
	resp.Body.TotalFrames = 1
	s.send(resp)
}

func (s *Session) onSource(req *dap.SourceRequest) {
	resp := &dap.SourceResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	s.send(resp)
}

func (s *Session) onScopes(req *dap.ScopesRequest) {
	resp := &dap.ScopesResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	resp.Body.Scopes = []dap.Scope{
		{Name: "Registers", VariablesReference: scopeRegistersID},
		{Name: "Local Vars", VariablesReference: scopeLocalVarsID},
	}
	s.send(resp)
}

func (s *Session) onVariables(req *dap.VariablesRequest) {
	resp := &dap.VariablesResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)

	if req.Arguments.VariablesReference == scopeRegistersID && s.eng != nil {
		regs := s.eng.Registers()
		resp.Body.Variables = []dap.Variable{
			{Name: "A", Value: byteHex(regs.A)},
			{Name: "X", Value: byteHex(regs.X)},
			{Name: "Y", Value: byteHex(regs.Y)},
			{Name: "Z", Value: byteHex(regs.Z)},
			{Name: "BP", Value: byteHex(regs.B)},
			{Name: "PC", Value: wordHex(regs.PC)},
			{Name: "SP", Value: wordHex(regs.SP)},
			{Name: "FL", Value: regs.FlagsString},
		}
	}
	s.send(resp)
}

func (s *Session) onEvaluate(req *dap.EvaluateRequest) {
	resp := &dap.EvaluateResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)

	if s.eng == nil {
		s.sendError(req.Seq, req.Command, "dapio: evaluate: no active session")
		return
	}
	result, err := s.eng.EvaluateExpression(req.Arguments.Expression)
	if err != nil {
		s.sendError(req.Seq, req.Command, "dapio: evaluate: %v", err)
		return
	}
	resp.Body.Result = result.Text
	resp.Body.MemoryReference = fmt.Sprintf("0x%X", result.Address)
	s.send(resp)
}

// onReadMemory backs the readMemory request with engine.ReadMemory
// (internal/memcache.Cache.Read), the counterpart to the MemoryReference
// onEvaluate hands back for an evaluated address.
func (s *Session) onReadMemory(req *dap.ReadMemoryRequest) {
	resp := &dap.ReadMemoryResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)

	if s.eng == nil {
		s.sendError(req.Seq, req.Command, "dapio: read memory: no active session")
		return
	}
	base, err := strconv.ParseInt(req.Arguments.MemoryReference, 0, 64)
	if err != nil {
		s.sendError(req.Seq, req.Command, "dapio: read memory: parse memoryReference: %v", err)
		return
	}
	addr := int(base) + req.Arguments.Offset

	data, err := s.eng.ReadMemory(addr, req.Arguments.Count)
	if err != nil {
		s.sendError(req.Seq, req.Command, "dapio: read memory: %v", err)
		return
	}
	resp.Body.Address = fmt.Sprintf("0x%X", addr)
	resp.Body.Data = base64.StdEncoding.EncodeToString(data)
	s.send(resp)
}

// onStopped is registered with the engine as its stopped-event handler; it
// runs on the short-lived goroutine the engine awaits before dispatching
// the next task (spec §4.7, §5).
func (s *Session) onStopped(ev engine.StoppedEvent) {
	se := &dap.StoppedEvent{Event: *newEvent("stopped")}
	se.Body.ThreadId = threadID
	se.Body.AllThreadsStopped = true
	switch ev.Reason {
	case engine.Pause:
		se.Body.Reason = "pause"
	case engine.Step:
		se.Body.Reason = "step"
	case engine.Breakpoint:
		se.Body.Reason = "breakpoint"
	}
	s.send(se)
}

func byteHex(v int) string { return fmt.Sprintf("0x%02X", v&0xFF) }
func wordHex(v int) string { return fmt.Sprintf("0x%04X", v&0xFFFF) }

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           event,
	}
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         command,
		RequestSeq:      requestSeq,
		Success:         true,
	}
}
