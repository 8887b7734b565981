package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load("config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "192.168.100.1:8888", cfg.GetAddress())
	assert.Equal(t, 255, cfg.Drone.SystemID)
	assert.Equal(t, 190, cfg.Drone.ComponentID)
	assert.Equal(t, 2, cfg.Drone.MavlinkVersion)
	assert.True(t, cfg.Web.Enabled)
	assert.Equal(t, []string{"*"}, cfg.Web.AllowedOrigins)
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte("drone:\n  host: 10.0.0.5\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8888, cfg.Drone.Port)
	assert.Equal(t, 32*1024, cfg.Transport.ReadBufferSize)
	assert.Equal(t, time.Second, Seconds(cfg.Session.HeartbeatInterval))
	assert.Equal(t, 100, cfg.Session.PollIntervalMs)
	assert.Equal(t, 5*time.Second, Seconds(cfg.Session.RelinkInterval))
	assert.Equal(t, "10.0.0.5:8888", cfg.GetAddress())
	assert.Equal(t, Default().Simulator, cfg.Simulator)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad port":      "drone:\n  port: 70000\n",
		"bad version":   "drone:\n  mavlink_version: 3\n",
		"bad local ip":  "drone:\n  local_ip: nope\n",
		"bad system id": "drone:\n  system_id: 300\n",
		"bad web port":  "web:\n  enabled: true\n  port: -1\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}

	_, err := Parse([]byte("drone: ["))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Drone.Host = "127.0.0.1"
	cfg.Drone.Port = 5760

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
