// Package simulator is a minimal flight controller reachable over MAVLink/TCP.
// It arms, takes off, lands and changes mode on request and streams the
// matching telemetry, which is enough to exercise a ground station end to end.
package simulator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"DroneLink/internal/logger"
)

// ArduCopter custom modes used by the simulator
const (
	ModeStabilize uint32 = 0
	ModeGuided    uint32 = 4
	ModeLand      uint32 = 9
)

const (
	homeAltitudeMM = 584000
	homeLat        = 210285000
	homeLon        = 1058542000
)

// Config for a simulated flight controller
type Config struct {
	Listen            string
	SystemID          uint8
	ClimbRate         float64 // m/s
	BatteryVoltage    float64 // V
	TelemetryInterval time.Duration
	HeartbeatInterval time.Duration
}

// Simulator is a simulated flight controller listening on TCP
type Simulator struct {
	cfg  Config
	node *gomavlib.Node

	mu         sync.Mutex
	armed      bool
	customMode uint32
	altitude   float64 // m above home
	target     float64
	voltage    float64
	bootTime   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a simulator; call Start to listen.
func New(cfg Config) *Simulator {
	if cfg.SystemID == 0 {
		cfg.SystemID = 1
	}
	if cfg.ClimbRate <= 0 {
		cfg.ClimbRate = 2
	}
	if cfg.BatteryVoltage <= 0 {
		cfg.BatteryVoltage = 12.6
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 200 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	return &Simulator{
		cfg:        cfg,
		customMode: ModeStabilize,
		voltage:    cfg.BatteryVoltage,
		stopCh:     make(chan struct{}),
	}
}

// Start opens the TCP server and begins streaming telemetry
func (s *Simulator) Start() error {
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointTCPServer{Address: s.cfg.Listen},
		},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      s.cfg.SystemID,
		HeartbeatDisable: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create simulator node: %w", err)
	}
	s.node = node
	s.bootTime = time.Now()

	s.wg.Add(2)
	go s.eventLoop()
	go s.telemetryLoop()

	logger.Info("[SIM] ✈️  Flight controller %d listening on %s", s.cfg.SystemID, s.cfg.Listen)
	return nil
}

// Stop closes the node and waits for the loops
func (s *Simulator) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.node != nil {
			s.node.Close()
		}
	})
	s.wg.Wait()
}

// Armed reports the simulated arming state
func (s *Simulator) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Altitude returns the simulated height above home in metres
func (s *Simulator) Altitude() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.altitude
}

// Mode returns the current custom mode
func (s *Simulator) Mode() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customMode
}

func (s *Simulator) write(msg message.Message) {
	if err := s.node.WriteMessageAll(msg); err != nil {
		logger.Debug("[SIM] write %T: %v", msg, err)
	}
}

func (s *Simulator) eventLoop() {
	defer s.wg.Done()
	events := s.node.Events()

	for {
		select {
		case <-s.stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch e := evt.(type) {
			case *gomavlib.EventChannelOpen:
				logger.Info("[SIM] Ground station connected: %v", e.Channel)
			case *gomavlib.EventChannelClose:
				logger.Info("[SIM] Ground station disconnected: %v", e.Channel)
			case *gomavlib.EventParseError:
				logger.Debug("[SIM] Parse error: %v", e.Error)
			case *gomavlib.EventFrame:
				s.handle(e.SystemID(), e.ComponentID(), e.Message())
			}
		}
	}
}

func (s *Simulator) addressed(target uint8) bool {
	return target == 0 || target == s.cfg.SystemID
}

func (s *Simulator) handle(sysID, compID uint8, msg message.Message) {
	switch m := msg.(type) {
	case *common.MessageCommandLong:
		if !s.addressed(m.TargetSystem) {
			return
		}
		result, text := s.command(m)
		s.write(&common.MessageCommandAck{
			Command:         m.Command,
			Result:          result,
			TargetSystem:    sysID,
			TargetComponent: compID,
		})
		if text != "" {
			s.write(&common.MessageStatustext{Severity: common.MAV_SEVERITY_INFO, Text: text})
		}

	case *common.MessageSetMode:
		if !s.addressed(m.TargetSystem) {
			return
		}
		s.mu.Lock()
		s.customMode = m.CustomMode
		if m.CustomMode == ModeLand {
			s.target = 0
		}
		s.mu.Unlock()
		logger.Info("[SIM] Mode changed to %d", m.CustomMode)
		s.write(&common.MessageCommandAck{
			Command:         common.MAV_CMD(11), // acknowledged under the SET_MODE message id
			Result:          common.MAV_RESULT_ACCEPTED,
			TargetSystem:    sysID,
			TargetComponent: compID,
		})

	case *common.MessageHeartbeat:
		logger.Debug("[SIM] Heartbeat from %d/%d", sysID, compID)
	}
}

func (s *Simulator) command(m *common.MessageCommandLong) (common.MAV_RESULT, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Command {
	case common.MAV_CMD_COMPONENT_ARM_DISARM:
		if m.Param1 == 1 {
			s.armed = true
			logger.Info("[SIM] 🔧 Armed")
			return common.MAV_RESULT_ACCEPTED, "Arming motors"
		}
		if s.altitude > 0.1 {
			return common.MAV_RESULT_DENIED, "Disarm denied: in flight"
		}
		s.armed = false
		logger.Info("[SIM] 🔧 Disarmed")
		return common.MAV_RESULT_ACCEPTED, "Disarming motors"

	case common.MAV_CMD_NAV_TAKEOFF:
		if !s.armed {
			return common.MAV_RESULT_DENIED, "Takeoff denied: arm first"
		}
		if m.Param7 <= 0 {
			return common.MAV_RESULT_FAILED, "Takeoff failed: bad altitude"
		}
		s.target = float64(m.Param7)
		s.customMode = ModeGuided
		logger.Info("[SIM] 🛫 Takeoff to %.1fm", s.target)
		return common.MAV_RESULT_ACCEPTED, ""

	case common.MAV_CMD_NAV_LAND:
		s.target = 0
		s.customMode = ModeLand
		logger.Info("[SIM] 🛬 Landing")
		return common.MAV_RESULT_ACCEPTED, ""
	}
	return common.MAV_RESULT_UNSUPPORTED, ""
}

// step moves the vehicle towards its target altitude
func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := s.target - s.altitude
	maxMove := s.cfg.ClimbRate * dt
	if math.Abs(delta) <= maxMove {
		s.altitude = s.target
	} else {
		s.altitude += math.Copysign(maxMove, delta)
	}

	if s.armed {
		s.voltage -= 0.0005 * dt
		// touchdown after a landing disarms, as ArduCopter does
		if s.customMode == ModeLand && s.altitude == 0 {
			s.armed = false
			logger.Info("[SIM] 🔧 Landed, disarmed")
		}
	}
}

func (s *Simulator) heartbeat() *common.MessageHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED
	status := common.MAV_STATE_STANDBY
	if s.armed {
		base |= common.MAV_MODE_FLAG_SAFETY_ARMED
		status = common.MAV_STATE_ACTIVE
	}
	return &common.MessageHeartbeat{
		Type:           common.MAV_TYPE_QUADROTOR,
		Autopilot:      common.MAV_AUTOPILOT_ARDUPILOTMEGA,
		BaseMode:       base,
		CustomMode:     s.customMode,
		SystemStatus:   status,
		MavlinkVersion: 3,
	}
}

func (s *Simulator) position() *common.MessageGlobalPositionInt {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel := int32(s.altitude * 1000)
	return &common.MessageGlobalPositionInt{
		TimeBootMs:  uint32(time.Since(s.bootTime).Milliseconds()),
		Lat:         homeLat,
		Lon:         homeLon,
		Alt:         homeAltitudeMM + rel,
		RelativeAlt: rel,
	}
}

func (s *Simulator) sysStatus() *common.MessageSysStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := int8(math.Max(0, math.Min(100, (s.voltage-10.5)/(12.6-10.5)*100)))
	return &common.MessageSysStatus{
		VoltageBattery:   uint16(s.voltage * 1000),
		CurrentBattery:   -1,
		BatteryRemaining: remaining,
	}
}

func (s *Simulator) telemetryLoop() {
	defer s.wg.Done()

	telemetry := time.NewTicker(s.cfg.TelemetryInterval)
	defer telemetry.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	last := time.Now()
	for {
		select {
		case <-s.stopCh:
			return
		case <-heartbeat.C:
			s.write(s.heartbeat())
			s.write(s.sysStatus())
		case now := <-telemetry.C:
			s.step(now.Sub(last).Seconds())
			last = now
			s.write(s.position())
		}
	}
}
