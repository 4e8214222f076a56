// Package config loads and validates the controller configuration. Any
// malformed or missing definition is fatal at load time; the engine never
// starts with an invalid rule set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"hpboard-controller/internal/filter"
)

// ErrInvalid marks configuration errors; callers can test with errors.Is.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all validated application configuration.
type Config struct {
	Logging LoggingConfig
	CAN     CANConfig
	Manager ManagerConfig
	Metrics MetricsConfig
	Audit   AuditConfig
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string
}

// CANConfig describes the bus and the filter rules.
type CANConfig struct {
	DeviceID        uint32
	Channel         string
	Bitrate         int
	HardwareFilters []filter.HardwareFilter
	SoftwareFilters []filter.SoftwareFilter
}

// ManagerConfig carries the four engine timing parameters.
type ManagerConfig struct {
	ListenerPollInterval      time.Duration
	ResponderPollInterval     time.Duration
	ResponderInitialDelay     time.Duration
	ResponderPeriodicInterval time.Duration
}

// MetricsConfig configures the optional Prometheus endpoint. An empty
// listen address disables it.
type MetricsConfig struct {
	Listen string
}

// AuditConfig selects the optional audit backend: "none", "clickhouse" or
// "influxdb".
type AuditConfig struct {
	Backend    string
	BatchSize  int
	ClickHouse ClickHouseConfig
	InfluxDB   InfluxDBConfig
}

// ClickHouseConfig holds the ClickHouse audit backend settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Table    string
}

// InfluxDBConfig holds the InfluxDB audit backend settings.
type InfluxDBConfig struct {
	URL      string
	Token    string
	Database string
}

// Raw YAML schema. Identifiers and payload bytes are strings so hex
// literals and the "*" wildcard survive parsing.
type rawConfig struct {
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	CAN struct {
		DeviceID        string `yaml:"device_id"`
		Channel         string `yaml:"channel"`
		Bitrate         int    `yaml:"bitrate"`
		HardwareFilters []struct {
			ID       string `yaml:"id"`
			Mask     string `yaml:"mask"`
			Extended bool   `yaml:"extended"`
		} `yaml:"hardware_filters"`
		SoftwareFilters []struct {
			Name              string   `yaml:"name"`
			IDRange           []string `yaml:"id_range"`
			PayloadConditions []string `yaml:"payload_conditions"`
		} `yaml:"software_filters"`
	} `yaml:"can"`
	Manager struct {
		ListenerPollInterval      *float64 `yaml:"listener_poll_interval"`
		ResponderPollInterval     *float64 `yaml:"responder_poll_interval"`
		ResponderInitialDelay     *float64 `yaml:"responder_initial_delay"`
		ResponderPeriodicInterval *float64 `yaml:"responder_periodic_interval"`
	} `yaml:"can_manager"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
	Audit struct {
		Backend    string `yaml:"backend"`
		BatchSize  int    `yaml:"batch_size"`
		ClickHouse struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Database string `yaml:"database"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			Table    string `yaml:"table"`
		} `yaml:"clickhouse"`
		InfluxDB struct {
			URL      string `yaml:"url"`
			Token    string `yaml:"token"`
			Database string `yaml:"database"`
		} `yaml:"influxdb"`
	} `yaml:"audit"`
}

// Load reads, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	mgr, err := buildManager(raw)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Logging: LoggingConfig{Level: defaultString(raw.Logging.Level, "info")},
		CAN: CANConfig{
			Channel: defaultString(raw.CAN.Channel, "can0"),
			Bitrate: raw.CAN.Bitrate,
		},
		Manager: mgr,
		Metrics: MetricsConfig{Listen: raw.Metrics.Listen},
		Audit: AuditConfig{
			Backend:   defaultString(raw.Audit.Backend, "none"),
			BatchSize: raw.Audit.BatchSize,
			ClickHouse: ClickHouseConfig{
				Host:     defaultString(raw.Audit.ClickHouse.Host, "localhost"),
				Port:     raw.Audit.ClickHouse.Port,
				Database: defaultString(raw.Audit.ClickHouse.Database, "default"),
				Username: defaultString(raw.Audit.ClickHouse.Username, "default"),
				Password: raw.Audit.ClickHouse.Password,
				Table:    defaultString(raw.Audit.ClickHouse.Table, "can_dispatch"),
			},
			InfluxDB: InfluxDBConfig{
				URL:      defaultString(raw.Audit.InfluxDB.URL, "http://localhost:8086"),
				Token:    raw.Audit.InfluxDB.Token,
				Database: defaultString(raw.Audit.InfluxDB.Database, "can_dispatch"),
			},
		},
	}
	if cfg.CAN.Bitrate == 0 {
		cfg.CAN.Bitrate = 100000
	}
	if cfg.Audit.BatchSize == 0 {
		cfg.Audit.BatchSize = 100
	}
	if cfg.Audit.ClickHouse.Port == 0 {
		cfg.Audit.ClickHouse.Port = 9000
	}

	if raw.CAN.DeviceID == "" {
		return nil, fmt.Errorf("%w: can.device_id is required", ErrInvalid)
	}
	deviceID, err := parseID(raw.CAN.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: can.device_id: %v", ErrInvalid, err)
	}
	cfg.CAN.DeviceID = deviceID

	for i, hw := range raw.CAN.HardwareFilters {
		id, err := parseID(hw.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: hardware_filters[%d].id: %v", ErrInvalid, i, err)
		}
		mask, err := parseID(hw.Mask)
		if err != nil {
			return nil, fmt.Errorf("%w: hardware_filters[%d].mask: %v", ErrInvalid, i, err)
		}
		f := filter.HardwareFilter{ID: id, Mask: mask, Extended: hw.Extended}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("%w: hardware_filters[%d]: %v", ErrInvalid, i, err)
		}
		cfg.CAN.HardwareFilters = append(cfg.CAN.HardwareFilters, f)
	}

	for i, sw := range raw.CAN.SoftwareFilters {
		f, err := buildSoftwareFilter(sw.Name, sw.IDRange, sw.PayloadConditions)
		if err != nil {
			return nil, fmt.Errorf("%w: software_filters[%d]: %v", ErrInvalid, i, err)
		}
		cfg.CAN.SoftwareFilters = append(cfg.CAN.SoftwareFilters, f)
	}

	switch cfg.Audit.Backend {
	case "none", "clickhouse", "influxdb":
	default:
		return nil, fmt.Errorf("%w: audit.backend %q (want none, clickhouse or influxdb)", ErrInvalid, cfg.Audit.Backend)
	}
	return cfg, nil
}

func buildSoftwareFilter(name string, idRange, conditions []string) (filter.SoftwareFilter, error) {
	var f filter.SoftwareFilter
	f.Name = name

	if len(idRange) != 2 {
		return f, fmt.Errorf("id_range needs exactly 2 entries, got %d", len(idRange))
	}
	low, err := parseID(idRange[0])
	if err != nil {
		return f, fmt.Errorf("id_range low: %w", err)
	}
	high, err := parseID(idRange[1])
	if err != nil {
		return f, fmt.Errorf("id_range high: %w", err)
	}
	f.IDLow, f.IDHigh = low, high

	if len(conditions) != filter.PayloadLen {
		return f, fmt.Errorf("payload_conditions needs exactly %d entries, got %d", filter.PayloadLen, len(conditions))
	}
	for i, c := range conditions {
		cond, err := filter.ParseByteCond(c)
		if err != nil {
			return f, err
		}
		f.Conditions[i] = cond
	}
	return f, f.Validate()
}

// RuleSet builds the immutable rule set from the software filters.
func (c *Config) RuleSet() (*filter.RuleSet, error) {
	rs, err := filter.NewRuleSet(c.CAN.SoftwareFilters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return rs, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q", s)
	}
	return uint32(v), nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func buildManager(raw rawConfig) (ManagerConfig, error) {
	var mgr ManagerConfig
	fields := []struct {
		name   string
		raw    *float64
		def    time.Duration
		zeroOK bool
		dst    *time.Duration
	}{
		{"listener_poll_interval", raw.Manager.ListenerPollInterval, 100 * time.Millisecond, false, &mgr.ListenerPollInterval},
		{"responder_poll_interval", raw.Manager.ResponderPollInterval, 100 * time.Millisecond, false, &mgr.ResponderPollInterval},
		{"responder_initial_delay", raw.Manager.ResponderInitialDelay, 2 * time.Second, true, &mgr.ResponderInitialDelay},
		{"responder_periodic_interval", raw.Manager.ResponderPeriodicInterval, 2 * time.Second, false, &mgr.ResponderPeriodicInterval},
	}
	for _, f := range fields {
		d, err := seconds(f.raw, f.def, f.zeroOK)
		if err != nil {
			return mgr, fmt.Errorf("%w: can_manager.%s: %v", ErrInvalid, f.name, err)
		}
		*f.dst = d
	}
	return mgr, nil
}

// seconds converts a fractional-second value to a duration. A nil value
// takes the default; an explicit 0 is honored where zeroOK allows it, so
// "responder_initial_delay: 0" means an immediate first beat rather than
// the default delay.
func seconds(v *float64, def time.Duration, zeroOK bool) (time.Duration, error) {
	if v == nil {
		return def, nil
	}
	switch {
	case *v < 0:
		return 0, fmt.Errorf("must not be negative, got %v", *v)
	case *v == 0 && !zeroOK:
		return 0, fmt.Errorf("must be greater than zero")
	}
	return time.Duration(*v * float64(time.Second)), nil
}
