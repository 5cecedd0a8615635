package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pvgateway/pkg/channel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pvgw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: tcp://localhost:1883
simulator:
  pvs:
    - name: "TEST:CALC"
      value: 1.5
    - name: "TEST:MBBO"
      type: int
      value: 0
      choices: [Off, On]
channels:
  - name: calc
    address: sim://TEST:CALC
  - name: mode
    address: sim://TEST:MBBO
    kind: enum
    choices: [Off, On]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.HTTP.Port)
	assert.Equal(t, "pvgw.db", cfg.Database.Path)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 64, cfg.Monitor.Buffer)
	assert.Equal(t, defaultDiscoveryPort, cfg.Discovery.Port)
	assert.False(t, cfg.Discovery.Enabled)

	require.NotNil(t, cfg.MQTT)
	assert.Equal(t, "pv", cfg.MQTT.TopicRoot)
	assert.Equal(t, 5*time.Second, cfg.MQTT.Timeout)
	assert.Nil(t, cfg.OPCUA)

	require.Len(t, cfg.Simulator.PVs, 2)
	assert.Equal(t, []string{"Off", "On"}, cfg.Simulator.PVs[1].Choices)

	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, channel.KindFloat, cfg.Channels[0].Kind)
	assert.Equal(t, channel.KindEnum, cfg.Channels[1].Kind)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "PV Gateway", cfg.Server.Name)
	assert.Empty(t, cfg.Channels)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"Bad port", "http:\n  port: 70000\n"},
		{"MQTT without broker", "mqtt:\n  client_id: x\n"},
		{"OPC UA without endpoint", "opcua:\n  security_mode: sign\n"},
		{"Unknown kind", "channels:\n  - name: a\n    address: sim://A\n    kind: complex\n"},
		{"Duplicate channel", "channels:\n  - name: a\n    address: sim://A\n  - name: a\n    address: sim://B\n"},
		{"Enum without choices", "channels:\n  - name: a\n    address: sim://A\n    kind: enum\n"},
		{"Not YAML", "channels: [\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.data))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
