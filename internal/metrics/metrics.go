package metrics

import (
	"sync"
	"time"
)

// Metrics holds link statistics shared by the transport, session and web layers
type Metrics struct {
	mu sync.RWMutex

	// Frame statistics keyed by message name (HEARTBEAT, COMMAND_ACK, ...)
	ReceivedFrames map[string]int64
	SentFrames     map[string]int64
	FailedSends    map[string]int64

	ParseErrors int64
	Reconnects  int64

	// Command statistics keyed by command name (ARM, TAKEOFF, ...)
	Commands map[string]int64
	Acks     map[string]int64 // keyed by result name

	RemoteAddress string
	LinkStatus    string
	LastHeartbeat time.Time
	StartTime     time.Time

	RecentLogs []LogEntry
}

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

const maxRecentLogs = 100

var Global *Metrics

func init() {
	Global = New()
}

func New() *Metrics {
	return &Metrics{
		ReceivedFrames: make(map[string]int64),
		SentFrames:     make(map[string]int64),
		FailedSends:    make(map[string]int64),
		Commands:       make(map[string]int64),
		Acks:           make(map[string]int64),
		StartTime:      time.Now(),
		RecentLogs:     make([]LogEntry, 0, maxRecentLogs),
		LinkStatus:     "Disconnected",
	}
}

func (m *Metrics) IncReceived(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReceivedFrames[msgType]++
}

func (m *Metrics) IncSent(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentFrames[msgType]++
}

func (m *Metrics) IncFailedSend(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedSends[msgType]++
}

func (m *Metrics) AddParseErrors(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ParseErrors += n
}

func (m *Metrics) IncReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reconnects++
}

func (m *Metrics) IncCommand(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands[name]++
}

func (m *Metrics) IncAck(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acks[result]++
}

func (m *Metrics) SetRemote(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoteAddress = addr
}

// SetLinkStatus records a human readable link state ("Connecting", "Connected", ...)
func (m *Metrics) SetLinkStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinkStatus = status
}

func (m *Metrics) MarkHeartbeat(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastHeartbeat = t
}

func (m *Metrics) AddLog(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.RecentLogs) >= maxRecentLogs {
		m.RecentLogs = m.RecentLogs[1:]
	}
	m.RecentLogs = append(m.RecentLogs, LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
	})
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// GetSnapshot returns a JSON-friendly copy of all counters
func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := make([]LogEntry, len(m.RecentLogs))
	copy(logs, m.RecentLogs)

	return map[string]interface{}{
		"received_frames": copyCounts(m.ReceivedFrames),
		"sent_frames":     copyCounts(m.SentFrames),
		"failed_sends":    copyCounts(m.FailedSends),
		"parse_errors":    m.ParseErrors,
		"reconnects":      m.Reconnects,
		"commands":        copyCounts(m.Commands),
		"acks":            copyCounts(m.Acks),
		"remote_address":  m.RemoteAddress,
		"link_status":     m.LinkStatus,
		"last_heartbeat":  m.LastHeartbeat,
		"uptime":          time.Since(m.StartTime).String(),
		"logs":            logs,
	}
}
