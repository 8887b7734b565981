package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		" error ": ERROR,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(WARN)
	t.Cleanup(func() {
		SetLevel(INFO)
		SetOutput(os.Stdout)
	})

	Info("hidden %d", 1)
	Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 2")
}

func TestStatsSummary(t *testing.T) {
	sm := NewStatsManager(10)
	rx := sm.RegisterCounter("rx")
	tx := sm.RegisterCounter("tx")
	assert.Same(t, rx, sm.RegisterCounter("rx"))

	rx.Add(12345)
	tx.Add(10)

	line := sm.Summary()
	assert.Equal(t, "rx: 12,345 (+12,345, 1234.5/s) | tx: 10 (+10, 1.0/s)", line)

	rx.Add(5)
	line = sm.Summary()
	assert.True(t, strings.HasPrefix(line, "rx: 12,350 (+5, 0.5/s)"), line)
}

func TestStatsManagerStopIsIdempotent(t *testing.T) {
	sm := NewStatsManager(1)
	sm.Start()

	done := make(chan struct{})
	go func() {
		sm.Stop()
		sm.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
