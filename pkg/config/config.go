// Package config loads the arm configuration from a YAML file and exposes
// both typed motor parameters (resolved once at load) and raw dotted-key
// access for collaborators that only need a single value.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v2"
)

const DefaultConfigFile = "armd.yml"

// NumJoints is the number of controllable joints on the arm.
const NumJoints = 6

// MotorConfig holds the per-motor parameters resolved from the config file.
type MotorConfig struct {
	ID                int     `yaml:"id"`
	GearRatio         float64 `yaml:"gear_ratio"`
	Speed             int     `yaml:"speed"`
	Acceleration      int     `yaml:"acceleration"`
	HomeDirection     int     `yaml:"home_direction"` // +1 CW, -1 CCW
	HomeOffset        int     `yaml:"home_offset"`    // encoder counts
	HomeSpeed         int     `yaml:"home_speed"`
	EndstopActiveHigh bool    `yaml:"endstop_active_high"`
	Inverted          bool    `yaml:"inverted"`
}

// CANConfig holds the field-bus parameters.
type CANConfig struct {
	Interface         string `yaml:"interface"`
	Bitrate           int    `yaml:"bitrate"`
	EncoderResolution int    `yaml:"encoder_resolution"`
	GripperID         int    `yaml:"gripper_id"`
}

type fileConfig struct {
	CoupledAxisMode bool `yaml:"coupled_axis_mode"`
	CANDriver       struct {
		CANConfig `yaml:",inline"`
		Motors    []MotorConfig `yaml:"motors"`
	} `yaml:"can_driver"`
	Motion struct {
		LoopHz         int     `yaml:"loop_hz"`
		MinMotionTime  float64 `yaml:"min_motion_time_s"`
		TimeoutFactor  float64 `yaml:"timeout_factor"`
		PosTolerance   float64 `yaml:"position_tolerance_rad"`
		VelTolerance   float64 `yaml:"velocity_tolerance_rad_s"`
		JointSpeedRadS float64 `yaml:"joint_speed_rad_s"`
		GripperSettleS float64 `yaml:"gripper_settle_s"`
	} `yaml:"motion"`
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
}

// Config is the loaded configuration. Reload replaces the typed views and
// the raw tree atomically; readers take the lock through the accessors.
type Config struct {
	mu   sync.RWMutex
	path string
	raw  map[interface{}]interface{}
	file fileConfig
}

// Load reads and resolves the configuration from path. A missing file is
// not an error: defaults apply so the daemon can run without hardware or
// config in dev.
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the config file and re-resolves all typed parameters.
func (c *Config) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.raw = map[interface{}]interface{}{}
			c.file = fileConfig{}
			c.applyDefaults()
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read config %s: %w", c.path, err)
	}
	return c.load(data)
}

func (c *Config) load(data []byte) error {
	var raw map[interface{}]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if raw == nil {
		raw = map[interface{}]interface{}{}
	}
	c.raw = raw
	c.file = file
	c.applyDefaults()
	return nil
}

// Replace swaps in a new raw tree (from the config PUT endpoint), persists
// it, and re-resolves the typed views.
func (c *Config) Replace(raw map[string]interface{}) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := c.load(data); err != nil {
		return err
	}
	return c.Save()
}

// Save writes the current raw tree back to the config file.
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := yaml.Marshal(c.raw)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(c.path, data, 0644)
}

// applyDefaults fills unset fields. Caller holds the lock.
func (c *Config) applyDefaults() {
	f := &c.file
	if f.CANDriver.Interface == "" {
		f.CANDriver.Interface = "can0"
	}
	if f.CANDriver.Bitrate == 0 {
		f.CANDriver.Bitrate = 500000
	}
	if f.CANDriver.EncoderResolution == 0 {
		f.CANDriver.EncoderResolution = 16384
	}
	if f.CANDriver.GripperID == 0 {
		f.CANDriver.GripperID = 7
	}
	if f.Motion.LoopHz == 0 {
		f.Motion.LoopHz = 50
	}
	if f.Motion.MinMotionTime == 0 {
		f.Motion.MinMotionTime = 0.5
	}
	if f.Motion.TimeoutFactor == 0 {
		f.Motion.TimeoutFactor = 3.0
	}
	if f.Motion.PosTolerance == 0 {
		f.Motion.PosTolerance = 0.02
	}
	if f.Motion.VelTolerance == 0 {
		f.Motion.VelTolerance = 0.05
	}
	if f.Motion.JointSpeedRadS == 0 {
		f.Motion.JointSpeedRadS = 0.8
	}
	if f.Motion.GripperSettleS == 0 {
		f.Motion.GripperSettleS = 1.0
	}
	if f.Server.Listen == "" {
		f.Server.Listen = ":5000"
	}

	// Sign inversion for mounting orientation applies to motors 1,2,4,5.
	inverted := map[int]bool{1: true, 2: true, 4: true, 5: true}
	for len(f.CANDriver.Motors) < NumJoints {
		i := len(f.CANDriver.Motors)
		f.CANDriver.Motors = append(f.CANDriver.Motors, MotorConfig{
			ID:       i + 1,
			Inverted: inverted[i],
		})
	}
	f.CANDriver.Motors = f.CANDriver.Motors[:NumJoints]
	for i := range f.CANDriver.Motors {
		m := &f.CANDriver.Motors[i]
		if m.ID == 0 {
			m.ID = i + 1
		}
		if m.GearRatio == 0 {
			m.GearRatio = 1.0
		}
		if m.Speed == 0 {
			m.Speed = 500
		}
		if m.Acceleration == 0 {
			m.Acceleration = 150
		}
		if m.HomeDirection == 0 {
			m.HomeDirection = 1
		}
		if m.HomeSpeed == 0 {
			m.HomeSpeed = 60
		}
	}
}

// Motors returns a copy of the resolved per-motor parameters.
func (c *Config) Motors() [NumJoints]MotorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out [NumJoints]MotorConfig
	copy(out[:], c.file.CANDriver.Motors)
	return out
}

// CAN returns the resolved field-bus parameters.
func (c *Config) CAN() CANConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.CANDriver.CANConfig
}

// CoupledAxisMode reports whether axes 4/5 are driven through a differential.
func (c *Config) CoupledAxisMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.CoupledAxisMode
}

// Motion holds the derived control-loop tuning parameters.
type Motion struct {
	LoopHz         int
	MinMotionTime  float64
	TimeoutFactor  float64
	PosTolerance   float64
	VelTolerance   float64
	JointSpeedRadS float64
	GripperSettleS float64
}

// MotionParams returns the control-loop tuning parameters.
func (c *Config) MotionParams() Motion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.file.Motion
	return Motion{
		LoopHz:         m.LoopHz,
		MinMotionTime:  m.MinMotionTime,
		TimeoutFactor:  m.TimeoutFactor,
		PosTolerance:   m.PosTolerance,
		VelTolerance:   m.VelTolerance,
		JointSpeedRadS: m.JointSpeedRadS,
		GripperSettleS: m.GripperSettleS,
	}
}

// Listen returns the HTTP listen address.
func (c *Config) Listen() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Server.Listen
}

// Raw returns a JSON-friendly copy of the raw config tree.
func (c *Config) Raw() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, _ := normalize(c.raw).(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}

// Get looks up a dotted key ("can_driver.bitrate") in the raw tree,
// returning def when any path segment is absent.
func (c *Config) Get(key string, def interface{}) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var cur interface{} = c.raw
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[interface{}]interface{})
		if !ok {
			return def
		}
		cur, ok = m[part]
		if !ok {
			return def
		}
	}
	return cur
}

// normalize converts yaml.v2 map[interface{}]interface{} trees into
// map[string]interface{} so they can be JSON encoded.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}
