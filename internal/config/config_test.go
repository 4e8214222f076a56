package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
logging:
  level: debug
can:
  device_id: "0x0DA"
  channel: can0
  bitrate: 100000
  hardware_filters:
    - id: "0x0DA"
      mask: "0x7FF"
  software_filters:
    - name: restart
      id_range: ["0x0DA", "0x0DA"]
      payload_conditions: ["0x00", "0x00", "0x00", "0x00", "0x00", "0x00", "0x00", "0x00"]
    - name: video_control
      id_range: ["0x0DA", "0x0DA"]
      payload_conditions: ["0x04", "*", "*", "*", "*", "*", "*", "*"]
can_manager:
  listener_poll_interval: 0.1
  responder_poll_interval: 0.1
  responder_initial_delay: 2
  responder_periodic_interval: 2
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, uint32(0x0DA), cfg.CAN.DeviceID)
	assert.Equal(t, "can0", cfg.CAN.Channel)
	assert.Equal(t, 100000, cfg.CAN.Bitrate)
	assert.Equal(t, 100*time.Millisecond, cfg.Manager.ListenerPollInterval)
	assert.Equal(t, 2*time.Second, cfg.Manager.ResponderInitialDelay)
	assert.Equal(t, 2*time.Second, cfg.Manager.ResponderPeriodicInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "none", cfg.Audit.Backend)

	require.Len(t, cfg.CAN.HardwareFilters, 1)
	assert.Equal(t, uint32(0x0DA), cfg.CAN.HardwareFilters[0].ID)
	assert.Equal(t, uint32(0x7FF), cfg.CAN.HardwareFilters[0].Mask)

	require.Len(t, cfg.CAN.SoftwareFilters, 2)
	assert.Equal(t, "restart", cfg.CAN.SoftwareFilters[0].Name)
	assert.False(t, cfg.CAN.SoftwareFilters[0].Conditions[0].Wildcard)
	assert.True(t, cfg.CAN.SoftwareFilters[1].Conditions[1].Wildcard)

	rs, err := cfg.RuleSet()
	require.NoError(t, err)
	assert.Equal(t, []string{"restart", "video_control"}, rs.Names())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
can:
  device_id: "0x0DA"
`))
	require.NoError(t, err)

	assert.Equal(t, "can0", cfg.CAN.Channel)
	assert.Equal(t, 100000, cfg.CAN.Bitrate)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 100*time.Millisecond, cfg.Manager.ListenerPollInterval)
	assert.Equal(t, 2*time.Second, cfg.Manager.ResponderPeriodicInterval)
	assert.Equal(t, 9000, cfg.Audit.ClickHouse.Port)
	assert.Equal(t, 100, cfg.Audit.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing device id": `
can:
  channel: can0
`,
		"bad device id": `
can:
  device_id: "zzz"
`,
		"short payload conditions": `
can:
  device_id: "0x0DA"
  software_filters:
    - name: broken
      id_range: ["0x0DA", "0x0DA"]
      payload_conditions: ["0x00", "*"]
`,
		"inverted id range": `
can:
  device_id: "0x0DA"
  software_filters:
    - name: broken
      id_range: ["0x0DB", "0x0DA"]
      payload_conditions: ["*", "*", "*", "*", "*", "*", "*", "*"]
`,
		"bad wildcard token": `
can:
  device_id: "0x0DA"
  software_filters:
    - name: broken
      id_range: ["0x0DA", "0x0DA"]
      payload_conditions: ["any", "*", "*", "*", "*", "*", "*", "*"]
`,
		"oversized hardware mask": `
can:
  device_id: "0x0DA"
  hardware_filters:
    - id: "0x0DA"
      mask: "0xFFFF"
`,
		"unknown audit backend": `
can:
  device_id: "0x0DA"
audit:
  backend: postgres
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestExplicitZeroInitialDelay(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
can:
  device_id: "0x0DA"
can_manager:
  responder_initial_delay: 0
`))
	require.NoError(t, err)

	// Zero means an immediate first beat, not the default delay.
	assert.Equal(t, time.Duration(0), cfg.Manager.ResponderInitialDelay)
	assert.Equal(t, 2*time.Second, cfg.Manager.ResponderPeriodicInterval)
}

func TestRejectsBadTimings(t *testing.T) {
	cases := map[string]string{
		"negative initial delay": `
can:
  device_id: "0x0DA"
can_manager:
  responder_initial_delay: -1
`,
		"zero poll interval": `
can:
  device_id: "0x0DA"
can_manager:
  listener_poll_interval: 0
`,
		"zero periodic interval": `
can:
  device_id: "0x0DA"
can_manager:
  responder_periodic_interval: 0
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestFractionalSeconds(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
can:
  device_id: "0x0DA"
can_manager:
  listener_poll_interval: 0.05
  responder_initial_delay: 1.5
`))
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Manager.ListenerPollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Manager.ResponderInitialDelay)
}
