package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/danmuck/edgeflow/internal/observability"
	"github.com/danmuck/edgeflow/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrControllerAddressRequired = errors.New("engine: controller address required")
	ErrControllerRequired        = errors.New("engine: controller-facing flow required")
	ErrAlreadyRegistered         = errors.New("engine: already registered")
	ErrNotRegistered             = errors.New("engine: not registered")
	ErrSequenceMismatch          = errors.New("engine: sequence number mismatch")
	ErrResponseRejected          = errors.New("engine: response rejected")
	ErrIncompleteUpdate          = errors.New("engine: property value without processor or property name")
	ErrAlreadyRunning            = errors.New("engine: already running")
)

// Engine runs the register/report cycle against one controller.
type Engine struct {
	cfg        Config
	controller ControllerFacing
	logger     zerolog.Logger
	limits     protocol.Limits

	cycleMu  sync.Mutex
	session  ProtocolSession
	snapshot atomic.Pointer[ProtocolSession]

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, controller ControllerFacing) (*Engine, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrControllerAddressRequired
	}
	if controller == nil {
		return nil, ErrControllerRequired
	}
	cfg = cfg.WithDefaults()
	e := &Engine{
		cfg:        cfg,
		controller: controller,
		logger:     logging.Component("protocol.engine"),
		limits:     protocol.Limits{MaxPayloadBytes: cfg.MaxPayloadBytes},
		session: ProtocolSession{
			ReportInterval: cfg.ReportInterval,
			SerialNumber:   serialFromConfig(cfg.SerialNumber),
			AgentName:      controller.Name(),
			State:          StateDisconnected,
		},
	}
	e.publish()
	return e, nil
}

// Snapshot returns a copy of the protocol state.
func (e *Engine) Snapshot() ProtocolSession {
	return *e.snapshot.Load()
}

// Register sends REGISTER_REQ and applies the response. Failures leave the
// engine unregistered.
func (e *Engine) Register(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	if e.session.Registered {
		return ErrAlreadyRegistered
	}
	start := time.Now()
	e.setState(StateRegistering)
	err := e.register(ctx)
	e.finishCycle("register", start, err)
	return err
}

// Report sends REPORT_REQ and applies the controller's response.
func (e *Engine) Report(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	if !e.session.Registered {
		return ErrNotRegistered
	}
	start := time.Now()
	e.setState(StateReporting)
	err := e.report(ctx)
	e.finishCycle("report", start, err)
	return err
}

// Cycle performs one report cycle: register until that succeeds, report after.
func (e *Engine) Cycle(ctx context.Context) error {
	if e.Snapshot().Registered {
		return e.Report(ctx)
	}
	return e.Register(ctx)
}

// Run sleeps the report interval and cycles until ctx is cancelled. Cycle
// failures are logged and retried on the next tick at the same cadence.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("controller", e.cfg.Address).
		Str("agent", e.session.AgentName).
		Dur("interval", e.Snapshot().ReportInterval).
		Msg("flow control protocol start")
	defer e.logger.Info().Msg("flow control protocol stop")

	for {
		timer := time.NewTimer(e.Snapshot().ReportInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		_ = e.Cycle(ctx)
	}
}

// Start runs the loop in a supervised goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	go func() {
		defer close(done)
		_ = e.Run(runCtx)
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit. An exchange already in
// flight completes first, bounded by the read timeout.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) register(ctx context.Context) error {
	seq := e.session.SeqNumber
	req := &protocol.Message{
		Header: protocol.Header{
			MessageType: protocol.MessageRegisterReq,
			SeqNumber:   seq,
			Status:      protocol.StatusSuccess,
		},
		Fields: []protocol.Field{
			protocol.NewFieldSerial(e.session.SerialNumber),
			protocol.NewFieldString(protocol.FieldFlowYMLName, e.session.AgentName),
		},
	}
	resp, err := e.exchange(ctx, req)
	if err != nil {
		return err
	}
	if err := checkResponse(resp.Header, seq); err != nil {
		return err
	}
	if resp.Header.Status != protocol.StatusSuccess {
		return fmt.Errorf("%w: register status=%s", ErrResponseRejected, resp.Header.Status)
	}

	e.session.Registered = true
	e.session.SeqNumber++
	e.session.State = StateRegistered
	if f, ok := protocol.GetField(resp.Fields, protocol.FieldReportInterval); ok {
		ms, err := f.Uint32()
		if err == nil && ms > 0 {
			e.session.ReportInterval = time.Duration(ms) * time.Millisecond
			e.logger.Info().Uint32("report_interval_ms", ms).Msg("controller assigned report interval")
		}
	}
	e.logger.Info().Uint32("seq", e.session.SeqNumber).Msg("flow control protocol register success")
	return nil
}

func (e *Engine) report(ctx context.Context) error {
	seq := e.session.SeqNumber
	req := &protocol.Message{
		Header: protocol.Header{
			MessageType: protocol.MessageReportReq,
			SeqNumber:   seq,
			Status:      protocol.StatusSuccess,
		},
		Fields: []protocol.Field{
			protocol.NewFieldString(protocol.FieldFlowYMLName, e.session.AgentName),
		},
	}
	resp, err := e.exchange(ctx, req)
	if err != nil {
		return err
	}
	if err := checkResponse(resp.Header, seq); err != nil {
		return err
	}

	switch resp.Header.Status {
	case protocol.StatusSuccess:
		updates, err := decodePropertyUpdates(resp.Fields)
		if err != nil {
			return err
		}
		if len(updates) > 0 {
			if err := e.controller.UpdatePropertyValues(updates); err != nil {
				e.logger.Warn().Err(err).Int("updates", len(updates)).Msg("property update not applied")
			} else {
				e.logger.Info().Int("updates", len(updates)).Msg("applied controller property updates")
			}
		}
	case protocol.StatusTriggerRegister:
		e.logger.Info().Msg("controller triggered re-register")
		e.session.Registered = false
	case protocol.StatusStopFlowController:
		e.logger.Info().Msg("controller requested flow stop")
		if err := e.controller.Stop(true); err != nil {
			e.logger.Warn().Err(err).Msg("flow stop failed")
		}
	case protocol.StatusStartFlowController:
		e.logger.Info().Msg("controller requested flow start")
		if err := e.controller.Start(); err != nil {
			e.logger.Warn().Err(err).Msg("flow start failed")
		}
	default:
		return fmt.Errorf("%w: report status=%s", ErrResponseRejected, resp.Header.Status)
	}
	e.session.SeqNumber++
	return nil
}

// exchange sends req on a fresh connection and reads one response. The
// connection is closed before returning on every path.
func (e *Engine) exchange(ctx context.Context, req *protocol.Message) (*protocol.Message, error) {
	conn, err := e.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout)); err != nil {
		return nil, err
	}
	if err := protocol.Encode(conn, req); err != nil {
		return nil, fmt.Errorf("engine: send %s: %w", req.Header.MessageType, err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout)); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadMessage(conn, e.limits)
	if err != nil {
		if resp != nil && errors.Is(err, protocol.ErrUnknownField) {
			e.logger.Warn().Err(err).Msg("ignoring trailing unknown fields")
			err = nil
		} else {
			return nil, fmt.Errorf("engine: read %s response: %w", req.Header.MessageType, err)
		}
	}
	e.logger.Debug().
		Stringer("msg_type", resp.Header.MessageType).
		Uint32("seq", resp.Header.SeqNumber).
		Stringer("status", resp.Header.Status).
		Uint32("payload_len", resp.Header.PayloadLen).
		Msg("flow control protocol response")
	return resp, nil
}

func checkResponse(h protocol.Header, seq uint32) error {
	if h.SeqNumber != seq {
		return fmt.Errorf("%w: got=%d want=%d", ErrSequenceMismatch, h.SeqNumber, seq)
	}
	return nil
}

// decodePropertyUpdates walks (processor, property, value) triples. Processor
// and property names carry over, so one processor name may precede several
// name/value pairs.
func decodePropertyUpdates(fields []protocol.Field) ([]PropertyUpdate, error) {
	var (
		updates   []PropertyUpdate
		processor string
		property  string
	)
	for _, f := range fields {
		switch f.ID {
		case protocol.FieldProcessorName:
			processor = string(f.Value)
		case protocol.FieldPropertyName:
			property = string(f.Value)
		case protocol.FieldPropertyValue:
			if processor == "" || property == "" {
				return nil, ErrIncompleteUpdate
			}
			updates = append(updates, PropertyUpdate{
				Processor: processor,
				Property:  property,
				Value:     string(f.Value),
			})
		}
	}
	return updates, nil
}

func (e *Engine) setState(s State) {
	e.session.State = s
	e.publish()
}

func (e *Engine) finishCycle(kind string, start time.Time, err error) {
	e.session.State = StateDisconnected
	e.session.LastCycleAt = time.Now()
	e.session.Cycles++
	outcome := "success"
	if err != nil {
		outcome = "failure"
		e.session.Failures++
		e.session.LastError = err.Error()
		e.logger.Error().Err(err).Str("kind", kind).Uint32("seq", e.session.SeqNumber).Msg("flow control protocol cycle failed")
	} else {
		e.session.LastError = ""
	}
	observability.RecordProtocolCycle(kind, outcome, time.Since(start))
	observability.SetProtocolState(e.session.SeqNumber, e.session.Registered)
	e.publish()
}

func (e *Engine) publish() {
	snap := e.session
	e.snapshot.Store(&snap)
}
