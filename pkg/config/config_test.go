package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
coupled_axis_mode: true
can_driver:
  interface: can1
  bitrate: 1000000
  encoder_resolution: 16384
  motors:
    - id: 1
      gear_ratio: 13.5
      speed: 600
    - id: 2
      gear_ratio: 150
      inverted: true
motion:
  loop_hz: 100
server:
  listen: ":8080"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "armd.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadResolvesTypedViews(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.True(t, cfg.CoupledAxisMode())
	assert.Equal(t, "can1", cfg.CAN().Interface)
	assert.Equal(t, 1000000, cfg.CAN().Bitrate)
	assert.Equal(t, 100, cfg.MotionParams().LoopHz)
	assert.Equal(t, ":8080", cfg.Listen())

	motors := cfg.Motors()
	assert.Equal(t, 13.5, motors[0].GearRatio)
	assert.Equal(t, 600, motors[0].Speed)
	// Unset fields fall back to defaults.
	assert.Equal(t, 150, motors[0].Acceleration)
	assert.Equal(t, 150.0, motors[1].GearRatio)
	assert.True(t, motors[1].Inverted)
	// Motors beyond those listed are synthesized with default IDs.
	assert.Equal(t, 6, motors[5].ID)
	assert.Equal(t, 500, motors[5].Speed)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)

	assert.False(t, cfg.CoupledAxisMode())
	assert.Equal(t, "can0", cfg.CAN().Interface)
	assert.Equal(t, 16384, cfg.CAN().EncoderResolution)
	assert.Equal(t, 50, cfg.MotionParams().LoopHz)
	assert.Equal(t, 0.02, cfg.MotionParams().PosTolerance)
	for i, m := range cfg.Motors() {
		assert.Equal(t, i+1, m.ID)
	}
	// Mounting-orientation inversion set.
	assert.False(t, cfg.Motors()[0].Inverted)
	assert.True(t, cfg.Motors()[1].Inverted)
	assert.True(t, cfg.Motors()[4].Inverted)
}

func TestGetDottedKey(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 1000000, cfg.Get("can_driver.bitrate", 0))
	assert.Equal(t, "can1", cfg.Get("can_driver.interface", "can0"))
	assert.Equal(t, 42, cfg.Get("can_driver.missing", 42))
	assert.Equal(t, "fallback", cfg.Get("no.such.path", "fallback"))
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 600, cfg.Motors()[0].Speed)

	updated := `
can_driver:
  motors:
    - id: 1
      speed: 250
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))
	require.NoError(t, cfg.Reload())
	assert.Equal(t, 250, cfg.Motors()[0].Speed)
	assert.False(t, cfg.CoupledAxisMode())
}

func TestReplacePersistsAndReresolves(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	err = cfg.Replace(map[string]interface{}{
		"coupled_axis_mode": false,
		"server":            map[string]interface{}{"listen": ":9999"},
	})
	require.NoError(t, err)
	assert.False(t, cfg.CoupledAxisMode())
	assert.Equal(t, ":9999", cfg.Listen())

	// A fresh load from disk sees the replacement.
	cfg2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg2.Listen())
}

func TestRawIsJSONFriendly(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	raw := cfg.Raw()
	can, ok := raw["can_driver"].(map[string]interface{})
	require.True(t, ok, "nested maps must be string-keyed")
	assert.Equal(t, "can1", can["interface"])

	_, err = json.Marshal(raw)
	require.NoError(t, err)
}

func TestSaveReloadPreservesTree(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	before := cfg.Raw()

	require.NoError(t, cfg.Save())
	require.NoError(t, cfg.Reload())

	if diff := cmp.Diff(before, cfg.Raw()); diff != "" {
		t.Errorf("raw tree changed across save/reload (-before +after):\n%s", diff)
	}
}
