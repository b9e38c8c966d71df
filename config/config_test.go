package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSample(t *testing.T) {
	c, err := Load(filepath.Join("..", "configs", "coordinator.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3000, c.Server.SocketPort)
	require.Len(t, c.Nodes.Entries(node.Edge1), 2)
	assert.Equal(t, "192.168.2.11", c.Nodes.Entries(node.Edge1)[1].IP)
	assert.False(t, c.Nodes.Entries(node.Edge2)[1].Enabled)
	assert.Equal(t, 30*time.Second, c.Heartbeat.Interval)
	assert.Equal(t, 50.0, c.Distance(node.Edge1))

	id, ok := c.GroupID(node.Edge2)
	assert.True(t, ok)
	assert.Equal(t, "1003", id)
	assert.Equal(t, "渲染资源不足", c.Render.InsufficientMarker)
}

func TestZeroValuesGetDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, `
heartbeat:
  max_missed: 0
sync:
  timeout: 0s
`))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Heartbeat.MaxMissed)
	assert.Equal(t, 10*time.Second, c.Sync.Timeout)
	assert.Equal(t, 2*time.Second, c.Sync.RegisterGrace)
	assert.Equal(t, 1000, c.Render.SuccessCode)
	assert.Equal(t, DistanceRandom, c.Render.Distance)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SELFALLOC_SERVER_USER_PORT", "4200")
	t.Setenv("SELFALLOC_HEARTBEAT_TIMEOUT", "750ms")
	c, err := Load(writeConfig(t, "env: production\n"))
	require.NoError(t, err)
	assert.Equal(t, 4200, c.Server.UserPort)
	assert.Equal(t, 750*time.Millisecond, c.Heartbeat.Timeout)
	assert.Equal(t, "production", c.Env)
}

func TestMissingGroupIDIsReported(t *testing.T) {
	c := Default()
	_, ok := c.GroupID(node.Cloud)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown env":       "env: lab\n",
		"unknown group":     "nodes:\n  distances:\n    mars: 10\n",
		"missing ip":        "nodes:\n  cloud_nodes:\n    - name: a\n      enabled: true\n",
		"bad distance":      "render:\n  distance: nearest\n",
		"port out of range": "server:\n  api_port: 70000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
