package zap

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the base zap profile the logger is built from.
// Development and local get the development profile with debug as the
// default level; everything else gets the production profile at info.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// Config carries the inputs for building a logger. OTelLibraryName names the
// otelzap instrumentation scope and is required so exported log records are
// attributable to this library's consumers. Level, when set, overrides the
// environment default.
type Config struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
}

// skipAdapterFrame lifts the reported caller out of this package's adapter
// methods so log entries point at the call site in the consuming code.
const skipAdapterFrame = 1

func (c Config) validate() error {
	if c.OTelLibraryName == "" {
		return fmt.Errorf("OTelLibraryName is required")
	}

	switch c.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
}

// New builds a JSON logger for the given environment. The returned Logger
// holds an atomic level handle so verbosity can be adjusted at runtime, and
// every record is mirrored into an otelzap core for OpenTelemetry export.
func New(cfg Config) (*Logger, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid zap config: %w", err)
	}

	level, err := levelFor(cfg)
	if err != nil {
		return nil, err
	}

	profile := profileFor(cfg.Environment)
	profile.Level = level
	profile.DisableStacktrace = true

	built, err := profile.Build(
		zap.AddCallerSkip(skipAdapterFrame),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{logger: built, atomicLevel: level}, nil
}

// levelFor resolves the runtime level: an explicit Config.Level wins,
// otherwise the environment picks debug (dev/local) or info.
func levelFor(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}

		return zap.NewAtomicLevelAt(parsed), nil
	}

	if cfg.Environment == EnvironmentDevelopment || cfg.Environment == EnvironmentLocal {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}

	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

// profileFor maps an environment to its zap base config. Both profiles emit
// JSON with capitalized level names; only sampling and defaults differ.
func profileFor(environment Environment) zap.Config {
	var cfg zap.Config
	if environment == EnvironmentDevelopment || environment == EnvironmentLocal {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	return cfg
}
