package drone

import (
	"context"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DroneLink/internal/mavlink"
)

func hbFrom(sys uint8) *mavlink.Message {
	return &mavlink.Message{Version: mavlink.V2, SystemID: sys, ComponentID: 1, ID: mavlink.MsgIDHeartbeat}
}

func TestArmedFollowsLatestHeartbeat(t *testing.T) {
	s := NewState()
	assert.False(t, s.Connected())

	seq := []struct {
		base  uint8
		armed bool
	}{
		{0x00, false},
		{0x80, true},
		{0x81, true},
		{0x01, false},
		{0xC0, true},
		{0x00, false},
	}
	for i, step := range seq {
		s.HandleHeartbeat(hbFrom(1), &common.MessageHeartbeat{
			BaseMode:   common.MAV_MODE_FLAG(step.base),
			CustomMode: uint32(i),
		})
		snap := s.Snapshot()
		assert.Equal(t, step.armed, snap.Armed, "step %d", i)
		assert.Equal(t, step.armed, s.Armed())
		assert.Equal(t, uint32(i), snap.FlightMode)
		assert.Equal(t, step.base, snap.BaseMode)
		assert.True(t, snap.Connected)
	}
	assert.Equal(t, mavlink.Identity{SystemID: 1, ComponentID: 1}, s.Snapshot().Peer)
}

func TestTelemetryUpdates(t *testing.T) {
	s := NewState()
	assert.Equal(t, -1, s.Snapshot().BatteryRemaining)

	s.HandlePosition(&common.MessageGlobalPositionInt{RelativeAlt: 10250})
	assert.InDelta(t, 10.25, s.Snapshot().AltitudeM, 1e-9)

	s.HandlePosition(&common.MessageGlobalPositionInt{RelativeAlt: -500})
	assert.InDelta(t, -0.5, s.Snapshot().AltitudeM, 1e-9)

	s.HandleSysStatus(&common.MessageSysStatus{VoltageBattery: 12600, BatteryRemaining: 76})
	snap := s.Snapshot()
	assert.InDelta(t, 12.6, snap.BatteryV, 1e-9)
	assert.Equal(t, 76, snap.BatteryRemaining)

	// unknown voltage keeps the last reading
	s.HandleSysStatus(&common.MessageSysStatus{VoltageBattery: 0xFFFF, BatteryRemaining: -1})
	snap = s.Snapshot()
	assert.InDelta(t, 12.6, snap.BatteryV, 1e-9)
	assert.Equal(t, -1, snap.BatteryRemaining)
}

func TestNoMessageClearsConnected(t *testing.T) {
	s := NewState()
	s.HandleHeartbeat(hbFrom(1), &common.MessageHeartbeat{})
	s.HandlePosition(&common.MessageGlobalPositionInt{})
	s.HandleSysStatus(&common.MessageSysStatus{})
	assert.True(t, s.Connected())

	s.MarkDisconnected()
	assert.False(t, s.Connected())
	s.MarkDisconnected()
}

func TestWaitFor(t *testing.T) {
	s := NewState()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.WaitFor(ctx, func(s Snapshot) bool { return s.Connected })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.HandleHeartbeat(hbFrom(1), &common.MessageHeartbeat{BaseMode: common.MAV_MODE_FLAG_SAFETY_ARMED})
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	snap, err := s.WaitFor(ctx2, func(s Snapshot) bool { return s.Armed })
	require.NoError(t, err)
	assert.True(t, snap.Connected)
}
