package drone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DroneLink/internal/mavlink"
	"DroneLink/internal/session"
)

type loopback struct {
	mu      sync.Mutex
	sendErr error
	inbound chan []byte
	lost    chan error
	sent    chan []byte
}

func newLoopback() *loopback {
	return &loopback{
		inbound: make(chan []byte, 16),
		lost:    make(chan error, 1),
		sent:    make(chan []byte, 1024),
	}
}

func (l *loopback) Open(context.Context) error { return nil }
func (l *loopback) Close() error               { return nil }

func (l *loopback) Send(p []byte) error {
	l.mu.Lock()
	err := l.sendErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case l.sent <- append([]byte(nil), p...):
	default:
	}
	return nil
}

func (l *loopback) Receive(timeout time.Duration) ([]byte, error) {
	select {
	case d := <-l.inbound:
		return d, nil
	case err := <-l.lost:
		return nil, err
	case <-time.After(timeout):
		return nil, nil
	}
}

// nextSent returns the next non-heartbeat message written by the client.
func (l *loopback) nextSent(t *testing.T) *mavlink.Message {
	t.Helper()
	p := mavlink.NewParser()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-l.sent:
			for _, m := range p.Parse(b) {
				if m.ID != mavlink.MsgIDHeartbeat {
					return m
				}
			}
		case <-deadline:
			t.Fatal("nothing sent")
			return nil
		}
	}
}

func (l *loopback) inject(t *testing.T, sys, comp uint8, msg message.Message) {
	t.Helper()
	b, err := mavlink.EncodeFrame(&mavlink.Message{
		Version:     mavlink.V2,
		SystemID:    sys,
		ComponentID: comp,
		ID:          msg.GetID(),
		Payload:     msg,
	})
	require.NoError(t, err)
	l.inbound <- b
}

func newTestController(t *testing.T, ttl time.Duration) (*Controller, *loopback) {
	t.Helper()
	lb := newLoopback()
	s := session.New(lb, session.Config{
		HeartbeatInterval: time.Hour,
		PollInterval:      5 * time.Millisecond,
	})
	c, err := NewController(s, ttl)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c, lb
}

func waitAck(t *testing.T, p *Pending) Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := p.Wait(ctx)
	require.NoError(t, err)
	return ack
}

func TestCommandsUseDefaultTargetThenPeer(t *testing.T) {
	c, lb := newTestController(t, 0)

	_, err := c.Arm()
	require.NoError(t, err)
	m := lb.nextSent(t)
	cmd := m.Payload.(*common.MessageCommandLong)
	assert.Equal(t, common.MAV_CMD_COMPONENT_ARM_DISARM, cmd.Command)
	assert.Equal(t, uint8(1), cmd.TargetSystem)
	assert.Equal(t, uint8(1), cmd.TargetComponent)
	assert.Equal(t, float32(1), cmd.Param1)

	lb.inject(t, 42, 1, &common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.WaitConnected(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(42), snap.Peer.SystemID)

	_, err = c.Takeoff(12.5)
	require.NoError(t, err)
	cmd = lb.nextSent(t).Payload.(*common.MessageCommandLong)
	assert.Equal(t, common.MAV_CMD_NAV_TAKEOFF, cmd.Command)
	assert.Equal(t, uint8(42), cmd.TargetSystem)
	assert.Equal(t, float32(12.5), cmd.Param7)

	_, err = c.Disarm()
	require.NoError(t, err)
	cmd = lb.nextSent(t).Payload.(*common.MessageCommandLong)
	assert.Equal(t, float32(0), cmd.Param1)

	_, err = c.Land()
	require.NoError(t, err)
	cmd = lb.nextSent(t).Payload.(*common.MessageCommandLong)
	assert.Equal(t, common.MAV_CMD_NAV_LAND, cmd.Command)

	_, err = c.SetMode(uint8(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), 4)
	require.NoError(t, err)
	mode := lb.nextSent(t).Payload.(*common.MessageSetMode)
	assert.Equal(t, uint8(42), mode.TargetSystem)
	assert.Equal(t, uint32(4), mode.CustomMode)
	assert.Equal(t, uint8(1), uint8(mode.BaseMode))
}

func TestAckDeliveredExactlyOnce(t *testing.T) {
	c, lb := newTestController(t, 0)

	var mu sync.Mutex
	var observed []Ack
	c.OnAck(func(a Ack) {
		mu.Lock()
		observed = append(observed, a)
		mu.Unlock()
	})

	p, err := c.Arm()
	require.NoError(t, err)
	lb.nextSent(t)

	lb.inject(t, 1, 1, &common.MessageCommandAck{
		Command: common.MAV_CMD_COMPONENT_ARM_DISARM,
		Result:  common.MAV_RESULT_ACCEPTED,
	})

	ack := waitAck(t, p)
	assert.Equal(t, AckAccepted, ack.Result)
	assert.Equal(t, "accepted", ack.Status)
	assert.True(t, ack.Matched)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Len(t, observed, 1)
	mu.Unlock()
	assert.Zero(t, c.acks.len())
}

func TestAcksMatchOldestPendingFirst(t *testing.T) {
	c, lb := newTestController(t, 0)

	first, err := c.Takeoff(5)
	require.NoError(t, err)
	second, err := c.Takeoff(10)
	require.NoError(t, err)
	land, err := c.Land()
	require.NoError(t, err)

	lb.inject(t, 1, 1, &common.MessageCommandAck{Command: common.MAV_CMD_NAV_TAKEOFF, Result: common.MAV_RESULT_DENIED})
	lb.inject(t, 1, 1, &common.MessageCommandAck{Command: common.MAV_CMD_NAV_TAKEOFF, Result: common.MAV_RESULT_TEMPORARILY_REJECTED})

	a := waitAck(t, first)
	assert.Equal(t, AckDenied, a.Result)
	assert.False(t, a.Result.Retryable())

	b := waitAck(t, second)
	assert.Equal(t, AckTemporarilyRejected, b.Result)
	assert.True(t, b.Result.Retryable())

	select {
	case <-land.Done():
		t.Fatal("land must stay pending")
	default:
	}
}

func TestInProgressDoesNotResolve(t *testing.T) {
	c, lb := newTestController(t, 0)

	seen := make(chan Ack, 4)
	c.OnAck(func(a Ack) { seen <- a })

	p, err := c.Takeoff(5)
	require.NoError(t, err)

	lb.inject(t, 1, 1, &common.MessageCommandAck{
		Command:  common.MAV_CMD_NAV_TAKEOFF,
		Result:   common.MAV_RESULT_IN_PROGRESS,
		Progress: 40,
	})
	progress := <-seen
	assert.Equal(t, AckInProgress, progress.Result)
	assert.Equal(t, uint8(40), progress.Progress)
	assert.True(t, progress.Matched)

	select {
	case <-p.Done():
		t.Fatal("in-progress ack resolved the command")
	default:
	}

	lb.inject(t, 1, 1, &common.MessageCommandAck{Command: common.MAV_CMD_NAV_TAKEOFF, Result: common.MAV_RESULT_FAILED})
	assert.Equal(t, AckFailed, waitAck(t, p).Result)
}

func TestUnmatchedAckIsObserved(t *testing.T) {
	c, lb := newTestController(t, 0)

	seen := make(chan Ack, 1)
	c.OnAck(func(a Ack) { seen <- a })

	lb.inject(t, 1, 1, &common.MessageCommandAck{Command: common.MAV_CMD_NAV_LAND, Result: common.MAV_RESULT_UNSUPPORTED})
	select {
	case a := <-seen:
		assert.False(t, a.Matched)
		assert.Equal(t, AckUnsupported, a.Result)
		assert.Equal(t, "LAND", a.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("ack not observed")
	}
}

func TestSetModeAckedBySetModeID(t *testing.T) {
	c, lb := newTestController(t, 0)

	p, err := c.SetMode(1, 4)
	require.NoError(t, err)
	lb.inject(t, 1, 1, &common.MessageCommandAck{Command: CmdSetMode, Result: common.MAV_RESULT_ACCEPTED})
	ack := waitAck(t, p)
	assert.Equal(t, "SET_MODE", ack.Name)
	assert.Equal(t, AckAccepted, ack.Result)
}

func TestSendFailureReturnsError(t *testing.T) {
	c, lb := newTestController(t, 0)
	lb.mu.Lock()
	lb.sendErr = errors.New("broken pipe")
	lb.mu.Unlock()

	p, err := c.Arm()
	assert.Nil(t, p)
	assert.ErrorContains(t, err, "broken pipe")
	assert.Zero(t, c.acks.len())
}

func TestPendingWaitHonoursContext(t *testing.T) {
	c, _ := newTestController(t, 0)
	p, err := c.Land()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAbandonedCommandsArePruned(t *testing.T) {
	tr := newTracker(10 * time.Millisecond)
	tr.add(common.MAV_CMD_NAV_LAND)
	tr.add(common.MAV_CMD_NAV_LAND)
	time.Sleep(20 * time.Millisecond)
	tr.add(common.MAV_CMD_NAV_TAKEOFF)
	assert.Equal(t, 1, tr.len())
}

func TestGroundStationHeartbeatsIgnored(t *testing.T) {
	c, lb := newTestController(t, 0)

	lb.inject(t, 200, 1, &common.MessageHeartbeat{Type: common.MAV_TYPE_GCS, BaseMode: common.MAV_MODE_FLAG_SAFETY_ARMED})
	lb.inject(t, 1, 1, &common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.WaitConnected(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Armed)
	assert.Equal(t, uint8(1), snap.Peer.SystemID)
	assert.Equal(t, snap.Peer, c.Target(), "commands go to the vehicle, not the other ground station")
}

func TestLinkLossClearsConnected(t *testing.T) {
	c, lb := newTestController(t, 0)

	lb.inject(t, 1, 1, &common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.WaitConnected(ctx)
	require.NoError(t, err)

	lb.lost <- errors.New("connection reset by peer")
	_, err = c.States().WaitFor(ctx, func(s Snapshot) bool { return !s.Connected })
	assert.NoError(t, err)
}

func TestAckResultNames(t *testing.T) {
	cases := map[common.MAV_RESULT]string{
		common.MAV_RESULT_ACCEPTED:             "accepted",
		common.MAV_RESULT_TEMPORARILY_REJECTED: "temporarily-rejected",
		common.MAV_RESULT_DENIED:               "denied",
		common.MAV_RESULT_UNSUPPORTED:          "unsupported",
		common.MAV_RESULT_FAILED:               "failed",
		common.MAV_RESULT_IN_PROGRESS:          "in-progress",
		common.MAV_RESULT_CANCELLED:            "cancelled",
		common.MAV_RESULT(99):                  "unknown",
	}
	for raw, name := range cases {
		assert.Equal(t, name, ResultFromMAV(raw).String())
	}
	assert.Equal(t, "CMD_176", CommandName(common.MAV_CMD_DO_SET_MODE))
}
