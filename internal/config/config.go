// Package config loads session settings from a YAML file, an optional
// .env file and GEO_* environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/signalsfoundry/geospatial-session/core"
	"github.com/signalsfoundry/geospatial-session/internal/history"
	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/internal/observability"
	"github.com/signalsfoundry/geospatial-session/internal/session"
	"github.com/signalsfoundry/geospatial-session/model"
)

// Duration is a time.Duration that reads "180s" style strings or a bare
// number of seconds from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	parsed, err := parseDuration(strings.Trim(strings.TrimSpace(string(b)), `"'`))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

type Localization struct {
	YawThresholdDeg      float64  `yaml:"yaw_threshold_deg"`
	HorizontalThresholdM float64  `yaml:"horizontal_threshold_m"`
	Timeout              Duration `yaml:"timeout"`
}

type Anchors struct {
	Quota                 int     `yaml:"quota"`
	TerrainAltitudeOffset float64 `yaml:"terrain_altitude_offset"`
	RooftopAltitudeOffset float64 `yaml:"rooftop_altitude_offset"`
	DefaultType           string  `yaml:"default_type"`
}

type Surfaces struct {
	BuildingMaterials int  `yaml:"building_materials"`
	ShowGeometry      bool `yaml:"show_geometry"`
}

type Session struct {
	Tick       Duration `yaml:"tick"`
	FatalGrace Duration `yaml:"fatal_grace"`
}

type History struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Scope   string `yaml:"scope"`
}

type Server struct {
	HTTPAddr    string  `yaml:"http_addr"`
	MetricsAddr string  `yaml:"metrics_addr"`
	GRPCAddr    string  `yaml:"grpc_addr"`
	PlaceRate   float64 `yaml:"place_rate"`
	PlaceBurst  int     `yaml:"place_burst"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete session configuration.
type Config struct {
	Localization Localization                `yaml:"localization"`
	Anchors      Anchors                     `yaml:"anchors"`
	Surfaces     Surfaces                    `yaml:"surfaces"`
	Session      Session                     `yaml:"session"`
	History      History                     `yaml:"history"`
	Server       Server                      `yaml:"server"`
	Logging      Logging                     `yaml:"logging"`
	Tracing      observability.TracingConfig `yaml:"tracing"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Localization: Localization{
			YawThresholdDeg:      25,
			HorizontalThresholdM: 20,
			Timeout:              Duration(core.DefaultLocalizationTimeout),
		},
		Anchors: Anchors{
			Quota:       20,
			DefaultType: model.AnchorGeospatial.String(),
		},
		Surfaces: Surfaces{
			BuildingMaterials: 4,
			ShowGeometry:      true,
		},
		Session: Session{
			Tick:       Duration(33 * time.Millisecond),
			FatalGrace: Duration(5 * time.Second),
		},
		History: History{
			Backend: "json",
			Path:    "anchor_history.json",
			Scope:   history.DefaultScope,
		},
		Server: Server{
			HTTPAddr:    ":8080",
			MetricsAddr: ":9090",
			GRPCAddr:    ":50051",
			PlaceRate:   5,
			PlaceBurst:  5,
		},
		Logging: Logging{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory when present, and
// GEO_* environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays GEO_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	float("GEO_YAW_THRESHOLD_DEG", &c.Localization.YawThresholdDeg)
	float("GEO_HORIZONTAL_THRESHOLD_M", &c.Localization.HorizontalThresholdM)
	duration("GEO_LOCALIZATION_TIMEOUT", &c.Localization.Timeout)
	integer("GEO_ANCHOR_QUOTA", &c.Anchors.Quota)
	float("GEO_TERRAIN_ALTITUDE_OFFSET", &c.Anchors.TerrainAltitudeOffset)
	float("GEO_ROOFTOP_ALTITUDE_OFFSET", &c.Anchors.RooftopAltitudeOffset)
	str("GEO_DEFAULT_ANCHOR_TYPE", &c.Anchors.DefaultType)
	integer("GEO_BUILDING_MATERIALS", &c.Surfaces.BuildingMaterials)
	boolean("GEO_SHOW_GEOMETRY", &c.Surfaces.ShowGeometry)
	duration("GEO_TICK", &c.Session.Tick)
	duration("GEO_FATAL_GRACE", &c.Session.FatalGrace)
	str("GEO_HISTORY_BACKEND", &c.History.Backend)
	str("GEO_HISTORY_PATH", &c.History.Path)
	str("GEO_HISTORY_SCOPE", &c.History.Scope)
	str("GEO_HTTP_ADDR", &c.Server.HTTPAddr)
	str("GEO_METRICS_ADDR", &c.Server.MetricsAddr)
	str("GEO_GRPC_ADDR", &c.Server.GRPCAddr)
	float("GEO_PLACE_RATE", &c.Server.PlaceRate)
	integer("GEO_PLACE_BURST", &c.Server.PlaceBurst)
	str("GEO_LOG_LEVEL", &c.Logging.Level)
	str("GEO_LOG_FORMAT", &c.Logging.Format)
	c.Tracing = observability.ApplyTracingEnv(c.Tracing)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects settings the session cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Localization.YawThresholdDeg <= 0 {
		errs = append(errs, errors.New("localization.yaw_threshold_deg must be positive"))
	}
	if c.Localization.HorizontalThresholdM <= 0 {
		errs = append(errs, errors.New("localization.horizontal_threshold_m must be positive"))
	}
	if c.Localization.Timeout <= 0 {
		errs = append(errs, errors.New("localization.timeout must be positive"))
	}
	if c.Anchors.Quota <= 0 {
		errs = append(errs, errors.New("anchors.quota must be positive"))
	}
	if _, err := model.ParseAnchorType(c.Anchors.DefaultType); err != nil {
		errs = append(errs, fmt.Errorf("anchors.default_type: %w", err))
	}
	if c.Surfaces.BuildingMaterials <= 0 {
		errs = append(errs, errors.New("surfaces.building_materials must be positive"))
	}
	if c.Session.Tick <= 0 {
		errs = append(errs, errors.New("session.tick must be positive"))
	}
	if c.Session.FatalGrace < 0 {
		errs = append(errs, errors.New("session.fatal_grace must not be negative"))
	}
	switch strings.ToLower(c.History.Backend) {
	case "memory", "json", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is not one of memory, json, sqlite", c.History.Backend))
	}
	if c.Server.PlaceRate < 0 || c.Server.PlaceBurst < 0 {
		errs = append(errs, errors.New("server.place_rate and server.place_burst must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LocalizationConfig converts to the state machine's settings.
func (c Config) LocalizationConfig() core.LocalizationConfig {
	return core.LocalizationConfig{
		Thresholds: core.Thresholds{
			YawDegrees:       c.Localization.YawThresholdDeg,
			HorizontalMetres: c.Localization.HorizontalThresholdM,
		},
		Timeout: c.Localization.Timeout.Std(),
	}
}

// HistoryConfig converts to the history store factory settings.
func (c Config) HistoryConfig() history.Config {
	return history.Config{Backend: c.History.Backend, Path: c.History.Path, Scope: c.History.Scope}
}

// LoggingConfig converts to the logger settings.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format, AddSource: true}
}

// DefaultAnchorType returns the configured initial anchor type selection.
// Validate has already rejected unknown names.
func (c Config) DefaultAnchorType() model.AnchorType {
	t, err := model.ParseAnchorType(c.Anchors.DefaultType)
	if err != nil {
		return model.AnchorGeospatial
	}
	return t
}

// SessionSettings converts to the controller's settings.
func (c Config) SessionSettings() session.Settings {
	return session.Settings{
		Localization:          c.LocalizationConfig(),
		Quota:                 c.Anchors.Quota,
		TerrainAltitudeOffset: c.Anchors.TerrainAltitudeOffset,
		RooftopAltitudeOffset: c.Anchors.RooftopAltitudeOffset,
		BuildingMaterials:     c.Surfaces.BuildingMaterials,
		ShowGeometry:          c.Surfaces.ShowGeometry,
		FatalGrace:            c.Session.FatalGrace.Std(),
		AnchorType:            c.DefaultAnchorType(),
	}
}
