package milter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/sentrymta/authgate"
	"github.com/sentrymta/authgate/pipeline"
)

// IDGenerator mints the connection-correlation identifier threaded through
// every Context and log line; authgate/utils.NewULID satisfies this.
type IDGenerator func() string

// Session drives one milter connection's FSM (§4.F) and dispatches each
// lifecycle event to the pipeline Scheduler. Exactly one goroutine owns a
// Session for its lifetime, so the Context it carries needs no locking per
// §5.
type Session struct {
	conn      net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	scheduler *pipeline.Scheduler
	assembler *authgate.Assembler
	serverID  string
	idGen     IDGenerator
	logger    *slog.Logger

	state  State
	ctx    *authgate.Context
	macros map[string]string
}

// NewSession wraps an accepted connection. The scheduler is shared read-only
// across every connection in the worker (§4.E's "cached for the worker's
// lifetime").
func NewSession(conn net.Conn, scheduler *pipeline.Scheduler, assembler *authgate.Assembler, serverID string, idGen IDGenerator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		scheduler: scheduler,
		assembler: assembler,
		serverID:  serverID,
		idGen:     idGen,
		logger:    logger,
		state:     StateIdle,
	}
}

// Serve runs the connection to completion: it reads frames until the MTA
// sends QUIT, closes the socket, or a protocol error occurs. Protocol
// errors are logged and the connection is closed without affecting any
// other connection, per §7.
func (s *Session) Serve() {
	defer s.conn.Close()
	defer s.dispatchClose()
	for {
		frame, err := readFrame(s.r)
		if err != nil {
			if s.ctx != nil {
				s.logger.Debug("milter connection closed", "conn_id", s.ctx.ConnID(), "error", err)
			}
			return
		}
		if err := s.handle(frame); err != nil {
			if err == errQuit {
				return
			}
			s.logger.Warn("milter protocol error", "error", err, "state", s.state)
			return
		}
	}
}

// dispatchClose runs every handler's Close callback once the connection is
// torn down, per §3's lifecycle stage list.
func (s *Session) dispatchClose() {
	if s.ctx == nil {
		return
	}
	s.scheduler.Dispatch(authgate.StageClose, s.ctx, func(h authgate.ActiveHandler) error {
		if ch, ok := h.Instance.(authgate.CloseHandler); ok {
			return ch.Close(s.ctx)
		}
		return nil
	})
}

var errQuit = fmt.Errorf("milter: quit")

func (s *Session) handle(f Frame) error {
	switch f.Command {
	case CmdMacro:
		s.handleMacro(f.Payload)
		return nil
	case CmdQuit:
		return errQuit
	case CmdAbort:
		return s.handleAbort()
	}

	if !accepts(s.state, f.Command) {
		return fmt.Errorf("%w: command %q not valid in state %s", ErrProtocol, f.Command, s.state)
	}

	switch f.Command {
	case CmdOptNeg:
		return s.handleOptNeg(f.Payload)
	case CmdConnect:
		return s.handleConnect(f.Payload)
	case CmdHelo:
		return s.handleHelo(f.Payload)
	case CmdMail:
		return s.handleMailFrom(f.Payload)
	case CmdRcpt:
		return s.handleRcptTo(f.Payload)
	case CmdHeader:
		return s.handleHeader(f.Payload)
	case CmdEOH:
		return s.handleEOH()
	case CmdBody:
		return s.handleBody(f.Payload)
	case CmdEOB:
		return s.handleEOM()
	case CmdData:
		return nil // DATA carries no payload of interest to the pipeline
	default:
		return fmt.Errorf("%w: unrecognized command %q", ErrProtocol, f.Command)
	}
}

func (s *Session) handleMacro(payload []byte) {
	if len(payload) == 0 {
		return
	}
	fields := splitCStrings(payload[1:])
	if len(fields)%2 == 1 {
		fields = append(fields, "")
	}
	if s.macros == nil {
		s.macros = make(map[string]string)
	}
	for i := 0; i+1 < len(fields); i += 2 {
		s.macros[fields[i]] = fields[i+1]
	}
}

func (s *Session) handleOptNeg(payload []byte) error {
	if len(payload) < 12 {
		return fmt.Errorf("%w: short OPTNEG payload", ErrProtocol)
	}
	var buf bytes.Buffer
	for _, v := range []uint32{protocolVersion, uint32(DefaultActions), uint32(DefaultProtocolSteps)} {
		binary.Write(&buf, binary.BigEndian, v)
	}
	s.state = next(s.state, CmdOptNeg)
	return writeFrame(s.w, RespOptNeg, buf.Bytes())
}

func (s *Session) handleConnect(payload []byte) error {
	hostname, rest, err := readCString(payload)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("%w: short CONNECT payload", ErrProtocol)
	}
	family := rest[0]
	rest = rest[1:]
	var ip net.IP
	if family == '4' || family == '6' {
		if len(rest) < 2 {
			return fmt.Errorf("%w: short CONNECT payload", ErrProtocol)
		}
		rest = rest[2:] // port, unused beyond negotiation
		addr, _, err := readCString(rest)
		if err != nil {
			return err
		}
		ip = net.ParseIP(addr)
	}

	connID := "unidentified"
	if s.idGen != nil {
		connID = s.idGen()
	}
	s.ctx = authgate.NewContext(connID, ip, s.logger)
	s.ctx.HeloName = hostname // provisional; overwritten by HELO command
	s.ctx.Logger.Debug("connect", "hostname", hostname)

	s.scheduler.Dispatch(authgate.StageConnect, s.ctx, func(h authgate.ActiveHandler) error {
		if ch, ok := h.Instance.(authgate.ConnectHandler); ok {
			return ch.Connect(s.ctx)
		}
		return nil
	})
	s.state = next(s.state, CmdConnect)
	return writeFrame(s.w, RespContinue, nil)
}

func (s *Session) handleHelo(payload []byte) error {
	name, _, err := readCString(payload)
	if err != nil {
		return err
	}
	s.ctx.HeloName = name
	s.scheduler.Dispatch(authgate.StageHelo, s.ctx, func(h authgate.ActiveHandler) error {
		if hh, ok := h.Instance.(authgate.HeloHandler); ok {
			return hh.Helo(s.ctx, name)
		}
		return nil
	})
	s.state = next(s.state, CmdHelo)
	return writeFrame(s.w, RespContinue, nil)
}

func parseAddrParams(fields []string) (string, map[string]string) {
	if len(fields) == 0 {
		return "", nil
	}
	addr := strings.Trim(fields[0], "<>")
	var params map[string]string
	if len(fields) > 1 {
		params = make(map[string]string, len(fields)-1)
		for _, p := range fields[1:] {
			if k, v, ok := strings.Cut(p, "="); ok {
				params[k] = v
			} else {
				params[p] = ""
			}
		}
	}
	return addr, params
}

func (s *Session) handleMailFrom(payload []byte) error {
	addr, params := parseAddrParams(splitCStrings(payload))
	s.ctx.EnvelopeFrom = authgate.Path{Address: addr, Params: params}
	s.scheduler.Dispatch(authgate.StageEnvFrom, s.ctx, func(h authgate.ActiveHandler) error {
		if eh, ok := h.Instance.(authgate.EnvFromHandler); ok {
			return eh.EnvFrom(s.ctx, addr, params)
		}
		return nil
	})
	s.state = next(s.state, CmdMail)
	return writeFrame(s.w, RespContinue, nil)
}

func (s *Session) handleRcptTo(payload []byte) error {
	addr, params := parseAddrParams(splitCStrings(payload))
	path := authgate.Path{Address: addr, Params: params}
	s.ctx.EnvelopeRcpt = append(s.ctx.EnvelopeRcpt, path)
	s.scheduler.Dispatch(authgate.StageEnvRcpt, s.ctx, func(h authgate.ActiveHandler) error {
		if eh, ok := h.Instance.(authgate.EnvRcptHandler); ok {
			return eh.EnvRcpt(s.ctx, addr, params)
		}
		return nil
	})
	s.state = next(s.state, CmdRcpt)
	return writeFrame(s.w, RespContinue, nil)
}

func (s *Session) handleHeader(payload []byte) error {
	fields := splitCStrings(payload)
	name := ""
	value := ""
	if len(fields) >= 1 {
		name = fields[0]
	}
	if len(fields) >= 2 {
		value = fields[1]
	}
	s.scheduler.Dispatch(authgate.StageHeader, s.ctx, func(h authgate.ActiveHandler) error {
		if hh, ok := h.Instance.(authgate.HeaderHandler); ok {
			return hh.Header(s.ctx, name, value)
		}
		return nil
	})
	s.state = next(s.state, CmdHeader)
	return writeFrame(s.w, RespContinue, nil)
}

func (s *Session) handleEOH() error {
	s.scheduler.Dispatch(authgate.StageEOH, s.ctx, func(h authgate.ActiveHandler) error {
		if eh, ok := h.Instance.(authgate.EOHHandler); ok {
			return eh.EOH(s.ctx)
		}
		return nil
	})
	s.state = next(s.state, CmdEOH)
	return writeFrame(s.w, RespContinue, nil)
}

func (s *Session) handleBody(payload []byte) error {
	chunk := append([]byte(nil), payload...)
	s.scheduler.Dispatch(authgate.StageBody, s.ctx, func(h authgate.ActiveHandler) error {
		if bh, ok := h.Instance.(authgate.BodyHandler); ok {
			return bh.Body(s.ctx, chunk)
		}
		return nil
	})
	s.state = next(s.state, CmdBody)
	return writeFrame(s.w, RespContinue, nil)
}

func (s *Session) handleEOM() error {
	s.scheduler.Dispatch(authgate.StageEOM, s.ctx, func(h authgate.ActiveHandler) error {
		if eh, ok := h.Instance.(authgate.EOMHandler); ok {
			return eh.EOM(s.ctx)
		}
		return nil
	})

	authResults := s.assembler.AssembleFromContext(s.serverID, s.ctx)
	if err := s.writeInsertHeader(0, "Authentication-Results", authResults); err != nil {
		return err
	}
	for _, aux := range s.ctx.AuxHeaders() {
		if err := s.writeAddHeader(aux.Name, aux.Value); err != nil {
			return err
		}
	}

	disposition, reason := s.ctx.Disposition()
	s.state = next(s.state, CmdEOB)
	if err := s.writeFinalDisposition(disposition, reason); err != nil {
		return err
	}

	if requested, isError := s.ctx.ExitOnClose(); requested {
		s.logger.Info("exit_on_close requested", "conn_id", s.ctx.ConnID(), "is_error", isError)
	}
	s.ctx.ResetMessage()
	s.state = StateConnected
	return nil
}

func (s *Session) handleAbort() error {
	if s.ctx == nil || s.state < StateEnvFromSeen {
		s.state = StateConnected
		return nil
	}
	discarded := len(s.ctx.Fragments())
	s.scheduler.Dispatch(authgate.StageAbort, s.ctx, func(h authgate.ActiveHandler) error {
		if ah, ok := h.Instance.(authgate.AbortHandler); ok {
			return ah.Abort(s.ctx)
		}
		return nil
	})
	s.ctx.Logger.Debug("abort: discarding partial fragments", "count", discarded)
	s.ctx.ResetMessage()
	s.state = StateConnected
	return nil
}

func (s *Session) writeInsertHeader(index uint32, name, value string) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, index)
	encodeCString(&buf, name)
	encodeCString(&buf, value)
	return writeFrame(s.w, RespInsHeader, buf.Bytes())
}

func (s *Session) writeAddHeader(name, value string) error {
	var buf bytes.Buffer
	encodeCString(&buf, name)
	encodeCString(&buf, value)
	return writeFrame(s.w, RespAddHeader, buf.Bytes())
}

func (s *Session) writeFinalDisposition(d authgate.Disposition, reason string) error {
	switch d {
	case authgate.DispositionContinue, authgate.DispositionAccept:
		return writeFrame(s.w, RespContinue, nil)
	case authgate.DispositionReject:
		return writeFrame(s.w, RespReject, nil)
	case authgate.DispositionTempfail:
		return writeFrame(s.w, RespTempFail, nil)
	case authgate.DispositionDiscard:
		return writeFrame(s.w, RespDiscard, nil)
	case authgate.DispositionQuarantine:
		var buf bytes.Buffer
		encodeCString(&buf, reason)
		if err := writeFrame(s.w, RespQuarantine, buf.Bytes()); err != nil {
			return err
		}
		return writeFrame(s.w, RespAccept, nil)
	default:
		return writeFrame(s.w, RespContinue, nil)
	}
}
