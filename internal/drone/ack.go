package drone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"DroneLink/internal/mavlink"
)

// CmdSetMode is the command id autopilots use when acknowledging SET_MODE.
const CmdSetMode = common.MAV_CMD(mavlink.MsgIDSetMode)

// CommandName returns a short label for logs and metrics.
func CommandName(cmd common.MAV_CMD) string {
	switch cmd {
	case common.MAV_CMD_COMPONENT_ARM_DISARM:
		return "ARM/DISARM"
	case common.MAV_CMD_NAV_TAKEOFF:
		return "TAKEOFF"
	case common.MAV_CMD_NAV_LAND:
		return "LAND"
	case CmdSetMode:
		return "SET_MODE"
	}
	return fmt.Sprintf("CMD_%d", uint32(cmd))
}

// AckResult categorizes a COMMAND_ACK result.
type AckResult int

const (
	AckAccepted AckResult = iota
	AckTemporarilyRejected
	AckDenied
	AckUnsupported
	AckFailed
	AckInProgress
	AckCancelled
	AckUnknown
)

var ackNames = [...]string{
	AckAccepted:            "accepted",
	AckTemporarilyRejected: "temporarily-rejected",
	AckDenied:              "denied",
	AckUnsupported:         "unsupported",
	AckFailed:              "failed",
	AckInProgress:          "in-progress",
	AckCancelled:           "cancelled",
	AckUnknown:             "unknown",
}

func (r AckResult) String() string {
	if r >= 0 && int(r) < len(ackNames) {
		return ackNames[r]
	}
	return "unknown"
}

// Retryable reports whether resubmitting the command may succeed.
func (r AckResult) Retryable() bool {
	return r == AckTemporarilyRejected
}

// Final reports whether no further ack is expected for the command.
func (r AckResult) Final() bool {
	return r != AckInProgress
}

// ResultFromMAV maps the wire result onto AckResult.
func ResultFromMAV(r common.MAV_RESULT) AckResult {
	switch r {
	case common.MAV_RESULT_ACCEPTED:
		return AckAccepted
	case common.MAV_RESULT_TEMPORARILY_REJECTED:
		return AckTemporarilyRejected
	case common.MAV_RESULT_DENIED:
		return AckDenied
	case common.MAV_RESULT_UNSUPPORTED:
		return AckUnsupported
	case common.MAV_RESULT_FAILED:
		return AckFailed
	case common.MAV_RESULT_IN_PROGRESS:
		return AckInProgress
	case common.MAV_RESULT_CANCELLED:
		return AckCancelled
	}
	return AckUnknown
}

// Ack is one received COMMAND_ACK.
type Ack struct {
	Command  common.MAV_CMD    `json:"command"`
	Name     string            `json:"name"`
	Result   AckResult         `json:"-"`
	Status   string            `json:"result"`
	Raw      common.MAV_RESULT `json:"rawResult"`
	Progress uint8             `json:"progress"`
	From     mavlink.Identity  `json:"from"`
	// Matched is set when the ack resolved a pending command.
	Matched bool          `json:"matched"`
	Latency time.Duration `json:"latency"`
}

// Pending is a submitted command awaiting its acknowledgement.
type Pending struct {
	Command  common.MAV_CMD
	IssuedAt time.Time

	done chan struct{}
	ack  Ack
}

func newPending(cmd common.MAV_CMD) *Pending {
	return &Pending{Command: cmd, IssuedAt: time.Now(), done: make(chan struct{})}
}

// Done is closed when the command has been acknowledged.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks for the acknowledgement. There is no built-in timeout; bound
// the wait with ctx.
func (p *Pending) Wait(ctx context.Context) (Ack, error) {
	select {
	case <-p.done:
		return p.ack, nil
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("waiting for %s ack: %w", CommandName(p.Command), ctx.Err())
	}
}

// tracker matches acks to pending commands, oldest first per command id.
type tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending []*Pending
}

func newTracker(ttl time.Duration) *tracker {
	return &tracker{ttl: ttl}
}

func (t *tracker) add(cmd common.MAV_CMD) *Pending {
	p := newPending(cmd)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(p.IssuedAt)
	t.pending = append(t.pending, p)
	return p
}

func (t *tracker) remove(p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, q := range t.pending {
		if q == p {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

// resolve completes the oldest pending command matching ack.Command. Ack
// values that are not final leave the command pending.
func (t *tracker) resolve(ack *Ack) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.pending {
		if p.Command != ack.Command {
			continue
		}
		ack.Matched = true
		ack.Latency = time.Since(p.IssuedAt)
		if !ack.Result.Final() {
			return
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		p.ack = *ack
		close(p.done)
		return
	}
}

// pruneLocked forgets commands that were never acknowledged.
func (t *tracker) pruneLocked(now time.Time) {
	if t.ttl <= 0 {
		return
	}
	kept := t.pending[:0]
	for _, p := range t.pending {
		if now.Sub(p.IssuedAt) < t.ttl {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(t.pending); i++ {
		t.pending[i] = nil
	}
	t.pending = kept
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
