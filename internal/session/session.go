// Package session runs a MAVLink link over a Transport: it emits the ground
// station heartbeat, decodes inbound frames, learns the peer's identity and
// dispatches messages to registered handlers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"DroneLink/internal/logger"
	"DroneLink/internal/mavlink"
	"DroneLink/internal/metrics"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNilHandler     = errors.New("nil handler")
)

// Transport is the byte stream a Session runs on.
type Transport interface {
	Open(ctx context.Context) error
	Send(p []byte) error
	// Receive returns (nil, nil) when nothing arrived within timeout.
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// Handler receives a decoded message on the receive goroutine.
type Handler func(msg *mavlink.Message)

// Config controls identity and timing.
type Config struct {
	Source            mavlink.Identity
	Version           mavlink.Version
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// DefaultConfig identifies as a ground station (255/190) speaking MAVLink v2.
func DefaultConfig() Config {
	return Config{
		Source:            mavlink.Identity{SystemID: 255, ComponentID: 190},
		Version:           mavlink.V2,
		HeartbeatInterval: time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

type run struct {
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	parser   *mavlink.Parser
}

func (r *run) halt() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Session owns a Transport and the codec state for one link.
type Session struct {
	transport Transport
	cfg       Config
	encoder   *mavlink.Encoder

	// held across encode and write so sequence numbers hit the wire in order
	sendMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[uint32]Handler

	peerMu    sync.RWMutex
	peer      mavlink.Identity
	peerKnown bool

	callbacksMu  sync.RWMutex
	onDisconnect []func(error)

	runMu sync.Mutex
	run   *run
}

// New creates a stopped session. Zero Config fields take DefaultConfig values.
func New(t Transport, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.Source.SystemID == 0 {
		cfg.Source = def.Source
	}
	if cfg.Version == 0 {
		cfg.Version = def.Version
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Session{
		transport: t,
		cfg:       cfg,
		encoder:   mavlink.NewEncoder(cfg.Source, cfg.Version),
		handlers:  make(map[uint32]Handler),
	}
}

// Source returns this client's identity.
func (s *Session) Source() mavlink.Identity {
	return s.cfg.Source
}

// Register installs h for message id, replacing any previous handler. Only
// ids of the common dialect are accepted.
func (s *Session) Register(id uint32, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if !mavlink.Typed(id) {
		return fmt.Errorf("message %s (%d) is not decoded", mavlink.MessageName(id), id)
	}

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, exists := s.handlers[id]; exists {
		logger.Debug("[SESSION] Replacing handler for %s", mavlink.MessageName(id))
	}
	s.handlers[id] = h
	return nil
}

// Handle registers a handler for the message type T, e.g.
//
//	session.Handle(s, func(m *mavlink.Message, hb *common.MessageHeartbeat) { ... })
func Handle[T message.Message](s *Session, fn func(*mavlink.Message, T)) error {
	if fn == nil {
		return ErrNilHandler
	}
	var zero T
	return s.Register(zero.GetID(), func(m *mavlink.Message) {
		if payload, ok := m.Payload.(T); ok {
			fn(m, payload)
		}
	})
}

// OnDisconnect adds a callback invoked from the receive goroutine when the
// link drops. Callbacks must not call Stop.
func (s *Session) OnDisconnect(fn func(error)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// Peer returns the identity learned from the first heartbeat of another
// system that is not a ground station.
func (s *Session) Peer() (mavlink.Identity, bool) {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peer, s.peerKnown
}

// Target is where commands should be addressed: the learned peer, or 1/1.
func (s *Session) Target() mavlink.Identity {
	if peer, ok := s.Peer(); ok {
		return peer
	}
	return mavlink.DefaultTarget
}

// Running reports whether the heartbeat and receive goroutines are active.
func (s *Session) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.run != nil && !s.run.stopped()
}

// Start opens the transport and launches the heartbeat and receive
// goroutines. If the transport cannot be opened nothing is left running.
// A session whose link dropped can be started again.
func (s *Session) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.run != nil {
		if !s.run.stopped() {
			return ErrAlreadyStarted
		}
		s.shutdownLocked()
	}

	metrics.Global.SetLinkStatus("Connecting")
	if err := s.transport.Open(ctx); err != nil {
		metrics.Global.SetLinkStatus("Disconnected")
		return fmt.Errorf("start session: %w", err)
	}

	s.peerMu.Lock()
	s.peer = mavlink.Identity{}
	s.peerKnown = false
	s.peerMu.Unlock()

	r := &run{
		stopCh: make(chan struct{}),
		parser: mavlink.NewParser(),
	}
	r.wg.Add(2)
	go s.heartbeatLoop(r)
	go s.receiveLoop(r)
	s.run = r

	metrics.Global.SetLinkStatus("Connected")
	logger.Info("[SESSION] Started as %s (%s, heartbeat every %s)", s.cfg.Source, s.cfg.Version, s.cfg.HeartbeatInterval)
	return nil
}

// Stop halts both goroutines, waits for them and closes the transport. No
// handler runs after Stop returns. Safe to call repeatedly, but not from a
// handler or disconnect callback.
func (s *Session) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.run == nil {
		return
	}
	s.shutdownLocked()
	metrics.Global.SetLinkStatus("Disconnected")
	logger.Info("[SESSION] 👋 Stopped")
}

func (s *Session) shutdownLocked() {
	r := s.run
	s.run = nil
	r.halt()
	r.wg.Wait()
	if err := s.transport.Close(); err != nil {
		logger.Debug("[SESSION] Transport close: %v", err)
	}
}

// Send encodes msg from this client's identity and writes it.
func (s *Session) Send(msg message.Message) error {
	name := mavlink.MessageName(msg.GetID())

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	frame, err := s.encoder.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := s.transport.Send(frame); err != nil {
		metrics.Global.IncFailedSend(name)
		return fmt.Errorf("send %s: %w", name, err)
	}
	metrics.Global.IncSent(name)
	logger.Debug("[TX] %s (%d bytes)", name, len(frame))
	return nil
}

func (s *Session) heartbeatLoop(r *run) {
	defer r.wg.Done()

	hb := &common.MessageHeartbeat{
		Type:           common.MAV_TYPE_GCS,
		Autopilot:      common.MAV_AUTOPILOT_INVALID,
		SystemStatus:   common.MAV_STATE_ACTIVE,
		MavlinkVersion: 3,
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := s.Send(hb); err != nil && !r.stopped() {
			logger.Error("[HEARTBEAT] Failed to send GCS heartbeat: %v", err)
		}
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) receiveLoop(r *run) {
	defer r.wg.Done()

	for !r.stopped() {
		data, err := s.transport.Receive(s.cfg.PollInterval)
		if err != nil {
			if r.stopped() {
				return
			}
			s.linkLost(r, err)
			return
		}
		if len(data) == 0 {
			continue
		}

		invalidBefore := r.parser.Stats().Invalid()
		msgs := r.parser.Parse(data)
		if bad := r.parser.Stats().Invalid() - invalidBefore; bad > 0 {
			metrics.Global.AddParseErrors(int64(bad))
			logger.Debug("[SESSION] Discarded %d invalid frame(s)", bad)
		}

		for _, m := range msgs {
			if r.stopped() {
				return
			}
			s.dispatch(m)
		}
	}
}

func (s *Session) linkLost(r *run, err error) {
	logger.Warn("[SESSION] 🔌 Link lost: %v", err)
	r.halt()
	s.transport.Close()
	metrics.Global.SetLinkStatus("Disconnected")
	metrics.Global.AddLog("WARN", fmt.Sprintf("link lost: %v", err))

	s.callbacksMu.RLock()
	callbacks := append([]func(error){}, s.onDisconnect...)
	s.callbacksMu.RUnlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (s *Session) dispatch(m *mavlink.Message) {
	metrics.Global.IncReceived(m.Name())
	logger.Debug("[RX] %s", m)

	if m.ID == mavlink.MsgIDHeartbeat {
		s.learnPeer(m)
	}

	s.handlersMu.RLock()
	h := s.handlers[m.ID]
	s.handlersMu.RUnlock()
	if h != nil {
		h(m)
	}
}

// learnPeer adopts the first vehicle heartbeat. It skips exactly what the
// drone controller skips: our own system id and MAV_TYPE_GCS senders.
func (s *Session) learnPeer(m *mavlink.Message) {
	if m.SystemID == s.cfg.Source.SystemID {
		return
	}
	if hb, ok := m.Payload.(*common.MessageHeartbeat); !ok || hb.Type == common.MAV_TYPE_GCS {
		return
	}
	metrics.Global.MarkHeartbeat(time.Now())

	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	if s.peerKnown {
		return
	}
	s.peer = m.Source()
	s.peerKnown = true
	logger.Info("[SESSION] ✅ Peer identified: system %d, component %d", m.SystemID, m.ComponentID)
}
