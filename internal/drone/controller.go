// Package drone keeps the flight controller's state up to date from
// telemetry and issues flight commands with acknowledgement tracking.
package drone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"DroneLink/internal/logger"
	"DroneLink/internal/mavlink"
	"DroneLink/internal/metrics"
	"DroneLink/internal/session"
)

// DefaultPendingTTL bounds how long an unacknowledged command is remembered.
const DefaultPendingTTL = 30 * time.Second

// Controller is the command interface to one drone.
type Controller struct {
	session *session.Session
	state   *State
	acks    *tracker

	obsMu     sync.RWMutex
	observers []func(Ack)
}

// NewController wires telemetry and acknowledgement handlers into s.
func NewController(s *session.Session, pendingTTL time.Duration) (*Controller, error) {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	c := &Controller{
		session: s,
		state:   NewState(),
		acks:    newTracker(pendingTTL),
	}

	if err := session.Handle(s, c.onHeartbeat); err != nil {
		return nil, err
	}
	if err := session.Handle(s, func(_ *mavlink.Message, pos *common.MessageGlobalPositionInt) {
		c.state.HandlePosition(pos)
	}); err != nil {
		return nil, err
	}
	if err := session.Handle(s, func(_ *mavlink.Message, st *common.MessageSysStatus) {
		c.state.HandleSysStatus(st)
	}); err != nil {
		return nil, err
	}
	if err := session.Handle(s, c.onCommandAck); err != nil {
		return nil, err
	}
	if err := session.Handle(s, c.onStatustext); err != nil {
		return nil, err
	}
	s.OnDisconnect(func(error) { c.state.MarkDisconnected() })
	return c, nil
}

// Connect starts the session. The drone counts as connected once its first
// heartbeat arrives; see WaitConnected.
func (c *Controller) Connect(ctx context.Context) error {
	return c.session.Start(ctx)
}

// WaitConnected blocks until a heartbeat from the drone has been seen.
func (c *Controller) WaitConnected(ctx context.Context) (Snapshot, error) {
	return c.state.WaitFor(ctx, func(s Snapshot) bool { return s.Connected })
}

// WaitArmed blocks until the armed flag equals armed.
func (c *Controller) WaitArmed(ctx context.Context, armed bool) (Snapshot, error) {
	return c.state.WaitFor(ctx, func(s Snapshot) bool { return s.Armed == armed })
}

// Disconnect stops the session and marks the drone disconnected.
func (c *Controller) Disconnect() {
	c.session.Stop()
	c.state.MarkDisconnected()
}

// State returns the current snapshot.
func (c *Controller) State() Snapshot {
	return c.state.Snapshot()
}

// States exposes the underlying state tracker.
func (c *Controller) States() *State {
	return c.state
}

// Target is the identity commands are sent to.
func (c *Controller) Target() mavlink.Identity {
	return c.session.Target()
}

// OnAck registers fn to observe every COMMAND_ACK, matched or not. Observers
// run on the receive goroutine.
func (c *Controller) OnAck(fn func(Ack)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

// Arm requests arming. A nil error means the command was submitted.
func (c *Controller) Arm() (*Pending, error) {
	logger.Info("[CMD] Sending arm command...")
	return c.commandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, "ARM", [7]float32{1})
}

// Disarm requests disarming.
func (c *Controller) Disarm() (*Pending, error) {
	logger.Info("[CMD] Sending disarm command...")
	return c.commandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, "DISARM", [7]float32{0})
}

// Takeoff climbs to altitude metres above home.
func (c *Controller) Takeoff(altitude float32) (*Pending, error) {
	logger.Info("[CMD] Sending takeoff command (altitude: %.1fm)...", altitude)
	return c.commandLong(common.MAV_CMD_NAV_TAKEOFF, "TAKEOFF", [7]float32{6: altitude})
}

// Land lands at the current position.
func (c *Controller) Land() (*Pending, error) {
	logger.Info("[CMD] Sending land command...")
	return c.commandLong(common.MAV_CMD_NAV_LAND, "LAND", [7]float32{})
}

// SetMode sends SET_MODE with the given base and autopilot-specific custom
// mode.
func (c *Controller) SetMode(baseMode uint8, customMode uint32) (*Pending, error) {
	target := c.session.Target()
	logger.Info("[CMD] Setting mode base=0x%02x custom=%d on system %d", baseMode, customMode, target.SystemID)
	return c.submit(CmdSetMode, "SET_MODE", &common.MessageSetMode{
		TargetSystem: target.SystemID,
		BaseMode:     common.MAV_MODE(baseMode),
		CustomMode:   customMode,
	})
}

func (c *Controller) commandLong(cmd common.MAV_CMD, label string, params [7]float32) (*Pending, error) {
	target := c.session.Target()
	return c.submit(cmd, label, &common.MessageCommandLong{
		TargetSystem:    target.SystemID,
		TargetComponent: target.ComponentID,
		Command:         cmd,
		Param1:          params[0],
		Param2:          params[1],
		Param3:          params[2],
		Param4:          params[3],
		Param5:          params[4],
		Param6:          params[5],
		Param7:          params[6],
	})
}

// submit registers the pending command before sending so that an ack racing
// the send still finds it.
func (c *Controller) submit(cmd common.MAV_CMD, label string, msg message.Message) (*Pending, error) {
	p := c.acks.add(cmd)
	if err := c.session.Send(msg); err != nil {
		c.acks.remove(p)
		logger.Error("[CMD] ❌ %s not sent: %v", label, err)
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	metrics.Global.IncCommand(label)
	return p, nil
}

func (c *Controller) onHeartbeat(m *mavlink.Message, hb *common.MessageHeartbeat) {
	// other ground stations on the link do not describe the drone
	if m.SystemID == c.session.Source().SystemID || hb.Type == common.MAV_TYPE_GCS {
		return
	}
	c.state.HandleHeartbeat(m, hb)
}

func (c *Controller) onCommandAck(m *mavlink.Message, msg *common.MessageCommandAck) {
	result := ResultFromMAV(msg.Result)
	ack := Ack{
		Command:  msg.Command,
		Name:     CommandName(msg.Command),
		Result:   result,
		Status:   result.String(),
		Raw:      msg.Result,
		Progress: msg.Progress,
		From:     m.Source(),
	}
	c.acks.resolve(&ack)
	metrics.Global.IncAck(ack.Status)

	logger.Info("[ACK] 🎯 Command %s result: %s", ack.Name, ack.Status)
	if msg.Command == common.MAV_CMD_COMPONENT_ARM_DISARM && result != AckAccepted && result != AckInProgress {
		logger.Warn("[ACK] 💡 ARM failed. Common reasons: no GPS lock, calibration required, wrong flight mode, safety switch not enabled")
	}

	c.obsMu.RLock()
	observers := append([]func(Ack){}, c.observers...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ack)
	}
}

func (c *Controller) onStatustext(m *mavlink.Message, st *common.MessageStatustext) {
	if st.Severity <= common.MAV_SEVERITY_WARNING {
		logger.Warn("[FC %d] %s", m.SystemID, st.Text)
		metrics.Global.AddLog("WARN", st.Text)
		return
	}
	logger.Info("[FC %d] %s", m.SystemID, st.Text)
}
