package drone

import (
	"context"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"DroneLink/internal/logger"
	"DroneLink/internal/mavlink"
	"DroneLink/internal/metrics"
)

const (
	statusLogEvery   = 5  // heartbeats
	altitudeLogEvery = 10 // position reports
)

// Snapshot is a consistent copy of the drone state.
type Snapshot struct {
	Connected        bool             `json:"connected"`
	Armed            bool             `json:"armed"`
	FlightMode       uint32           `json:"flightMode"`
	BaseMode         uint8            `json:"baseMode"`
	SystemStatus     uint8            `json:"systemStatus"`
	AltitudeM        float64          `json:"altitudeM"`
	BatteryV         float64          `json:"batteryV"`
	BatteryRemaining int              `json:"batteryRemaining"` // percent, -1 when unknown
	LastHeartbeat    time.Time        `json:"lastHeartbeat"`
	Peer             mavlink.Identity `json:"peer"`
}

// State tracks telemetry from the flight controller. It is the only writer
// of Snapshot values; all methods are safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	snap    Snapshot
	changed chan struct{}

	heartbeats uint64
	positions  uint64
}

// NewState returns a disconnected state.
func NewState() *State {
	return &State{
		snap:    Snapshot{BatteryRemaining: -1},
		changed: make(chan struct{}),
	}
}

// wake releases WaitFor callers. Called with mu held.
func (s *State) wake() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *State) Armed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Armed
}

func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Connected
}

// WaitFor blocks until cond holds for the current state or ctx ends.
func (s *State) WaitFor(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		s.mu.RLock()
		snap, ch := s.snap, s.changed
		s.mu.RUnlock()

		if cond(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ch:
		}
	}
}

// HandleHeartbeat applies a heartbeat received from the flight controller.
func (s *State) HandleHeartbeat(m *mavlink.Message, hb *common.MessageHeartbeat) {
	now := time.Now()
	armed := uint8(hb.BaseMode)&uint8(common.MAV_MODE_FLAG_SAFETY_ARMED) != 0

	s.mu.Lock()
	if !s.snap.Connected {
		s.snap.Connected = true
		s.snap.Peer = m.Source()
		logger.Info("[DRONE] 💓 Heartbeat received! System ID: %d, Component ID: %d, Type: %d, Autopilot: %d",
			m.SystemID, m.ComponentID, uint8(hb.Type), uint8(hb.Autopilot))
	}
	if armed != s.snap.Armed {
		if armed {
			logger.Info("[DRONE] 🔧 ARMED")
		} else {
			logger.Info("[DRONE] 🔧 DISARMED")
		}
	}
	s.snap.Armed = armed
	s.snap.FlightMode = hb.CustomMode
	s.snap.BaseMode = uint8(hb.BaseMode)
	s.snap.SystemStatus = uint8(hb.SystemStatus)
	s.snap.LastHeartbeat = now
	s.heartbeats++
	if s.heartbeats%statusLogEvery == 0 {
		logger.Info("[DRONE] 📊 Status - Armed: %t, Mode: %d, Base Mode: 0x%02x", armed, hb.CustomMode, uint8(hb.BaseMode))
	}
	s.wake()
	s.mu.Unlock()
}

// HandlePosition takes the altitude above home from GLOBAL_POSITION_INT.
func (s *State) HandlePosition(pos *common.MessageGlobalPositionInt) {
	alt := float64(pos.RelativeAlt) / 1000

	s.mu.Lock()
	s.snap.AltitudeM = alt
	s.positions++
	if s.positions%altitudeLogEvery == 0 {
		logger.Debug("[DRONE] Altitude: %.2fm", alt)
	}
	s.wake()
	s.mu.Unlock()
}

// HandleSysStatus takes battery voltage and remaining charge from SYS_STATUS.
func (s *State) HandleSysStatus(st *common.MessageSysStatus) {
	s.mu.Lock()
	// UINT16_MAX means the autopilot does not know
	if st.VoltageBattery != 0xFFFF {
		s.snap.BatteryV = float64(st.VoltageBattery) / 1000
	}
	s.snap.BatteryRemaining = int(st.BatteryRemaining)
	s.wake()
	s.mu.Unlock()
}

// MarkDisconnected clears Connected after the link dropped or was closed.
func (s *State) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.Connected {
		return
	}
	s.snap.Connected = false
	metrics.Global.AddLog("WARN", "drone disconnected")
	logger.Warn("[DRONE] Disconnected")
	s.wake()
}
