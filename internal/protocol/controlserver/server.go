// Package controlserver is a minimal flow controller speaking the
// register/report protocol. It backs local development and loopback tests.
package controlserver

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/danmuck/edgeflow/internal/protocol"
	"github.com/rs/zerolog"
)

var ErrEmptyCommand = errors.New("controlserver: command carries no updates")

// Config defines listener and response settings.
type Config struct {
	ListenAddr       string
	ReportIntervalMS uint32
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxPayloadBytes  uint32
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:9090",
		ReportIntervalMS: 1000,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxPayloadBytes:  protocol.DefaultLimits().MaxPayloadBytes,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	return c
}

// CommandKind selects the report response status.
type CommandKind string

const (
	CommandProperties      CommandKind = "properties"
	CommandTriggerRegister CommandKind = "trigger_register"
	CommandStart           CommandKind = "start"
	CommandStop            CommandKind = "stop"
)

// PropertyValue is one property push delivered in a report response.
type PropertyValue struct {
	Processor string
	Property  string
	Value     string
}

// Command is answered to the next report of the target agent.
type Command struct {
	Kind    CommandKind
	Updates []PropertyValue
}

// Agent is the observed state of one registered agent.
type Agent struct {
	Name         string
	Serial       [protocol.SerialNumberLen]byte
	RemoteAddr   string
	RegisteredAt time.Time
	LastSeenAt   time.Time
	LastSeq      uint32
	Registers    uint64
	Reports      uint64
}

// Server answers register and report requests, one request per connection.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	agents  map[string]*Agent
	pending map[string][]Command

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg.WithDefaults(),
		logger:  logging.Component("controlserver"),
		agents:  make(map[string]*Agent),
		pending: make(map[string][]Command),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("controller listening")
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// in-flight handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.wg.Wait()
	defer ln.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Enqueue queues cmd for the named agent's next report.
func (s *Server) Enqueue(agent string, cmd Command) error {
	if cmd.Kind == CommandProperties && len(cmd.Updates) == 0 {
		return ErrEmptyCommand
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[agent] = append(s.pending[agent], cmd)
	return nil
}

func (s *Server) PushProperty(agent, processor, property, value string) error {
	return s.Enqueue(agent, Command{
		Kind:    CommandProperties,
		Updates: []PropertyValue{{Processor: processor, Property: property, Value: value}},
	})
}

func (s *Server) TriggerRegister(agent string) error {
	return s.Enqueue(agent, Command{Kind: CommandTriggerRegister})
}

func (s *Server) StartFlow(agent string) error {
	return s.Enqueue(agent, Command{Kind: CommandStart})
}

func (s *Server) StopFlow(agent string) error {
	return s.Enqueue(agent, Command{Kind: CommandStop})
}

// Pending returns the number of queued commands for agent.
func (s *Server) Pending(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[agent])
}

// Agents returns a name-sorted snapshot of registered agents.
func (s *Server) Agents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) Agent(name string) (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[name]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	req, err := protocol.ReadMessage(conn, protocol.Limits{MaxPayloadBytes: s.cfg.MaxPayloadBytes})
	if err != nil && !(req != nil && errors.Is(err, protocol.ErrUnknownField)) {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("read request failed")
		return
	}

	var resp *protocol.Message
	switch req.Header.MessageType {
	case protocol.MessageRegisterReq:
		resp = s.handleRegister(conn.RemoteAddr().String(), req)
	case protocol.MessageReportReq:
		resp = s.handleReport(req)
	default:
		s.logger.Warn().Stringer("msg_type", req.Header.MessageType).Msg("unexpected message type")
		resp = failure(req.Header)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := protocol.Encode(conn, resp); err != nil {
		s.logger.Warn().Err(err).Msg("write response failed")
	}
}

func (s *Server) handleRegister(remote string, req *protocol.Message) *protocol.Message {
	msg, err := protocol.ParseSemantic(req, protocol.RegisterRequestSchema)
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid register request")
		return failure(req.Header)
	}
	serial, err := msg.Fields[protocol.FieldSerialNumber].Serial()
	if err != nil {
		return failure(req.Header)
	}
	name, _ := msg.Fields[protocol.FieldFlowYMLName].String()

	now := time.Now()
	s.mu.Lock()
	a, ok := s.agents[name]
	if !ok {
		a = &Agent{Name: name}
		s.agents[name] = a
	}
	a.Serial = serial
	a.RemoteAddr = remote
	a.RegisteredAt = now
	a.LastSeenAt = now
	a.LastSeq = req.Header.SeqNumber
	a.Registers++
	s.mu.Unlock()

	s.logger.Info().Str("agent", name).Uint32("seq", req.Header.SeqNumber).Msg("agent registered")
	fields := []protocol.Field{}
	if s.cfg.ReportIntervalMS > 0 {
		fields = append(fields, protocol.NewFieldUint32(protocol.FieldReportInterval, s.cfg.ReportIntervalMS))
	}
	return &protocol.Message{
		Header: protocol.Header{
			MessageType: protocol.MessageRegisterResp,
			SeqNumber:   req.Header.SeqNumber,
			Status:      protocol.StatusSuccess,
		},
		Fields: fields,
	}
}

func (s *Server) handleReport(req *protocol.Message) *protocol.Message {
	msg, err := protocol.ParseSemantic(req, protocol.ReportRequestSchema)
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid report request")
		return failure(req.Header)
	}
	name, _ := msg.Fields[protocol.FieldFlowYMLName].String()
	resp := &protocol.Message{
		Header: protocol.Header{
			MessageType: protocol.MessageReportResp,
			SeqNumber:   req.Header.SeqNumber,
			Status:      protocol.StatusSuccess,
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[name]
	if !ok {
		s.logger.Info().Str("agent", name).Msg("report from unknown agent, requesting register")
		resp.Header.Status = protocol.StatusTriggerRegister
		return resp
	}
	a.LastSeenAt = time.Now()
	a.LastSeq = req.Header.SeqNumber
	a.Reports++

	queue := s.pending[name]
	if len(queue) == 0 {
		return resp
	}
	cmd := queue[0]
	s.pending[name] = queue[1:]
	switch cmd.Kind {
	case CommandProperties:
		for _, u := range cmd.Updates {
			resp.Fields = append(resp.Fields,
				protocol.NewFieldString(protocol.FieldProcessorName, u.Processor),
				protocol.NewFieldString(protocol.FieldPropertyName, u.Property),
				protocol.NewFieldString(protocol.FieldPropertyValue, u.Value),
			)
		}
	case CommandTriggerRegister:
		resp.Header.Status = protocol.StatusTriggerRegister
		delete(s.agents, name)
	case CommandStart:
		resp.Header.Status = protocol.StatusStartFlowController
	case CommandStop:
		resp.Header.Status = protocol.StatusStopFlowController
	}
	s.logger.Info().Str("agent", name).Str("command", string(cmd.Kind)).Msg("delivered command")
	return resp
}

func failure(h protocol.Header) *protocol.Message {
	respType := h.MessageType
	switch h.MessageType {
	case protocol.MessageRegisterReq:
		respType = protocol.MessageRegisterResp
	case protocol.MessageReportReq:
		respType = protocol.MessageReportResp
	}
	return &protocol.Message{Header: protocol.Header{
		MessageType: respType,
		SeqNumber:   h.SeqNumber,
		Status:      protocol.StatusFailure,
	}}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
