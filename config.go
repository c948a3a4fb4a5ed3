package kernel

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"

	"github.com/GoCodeAlone/kernel/eventbus"
)

// EnvPrefix prefixes every environment variable the kernel reads, so
// KERNEL_INIT_TIMEOUT feeds the field tagged env:"INIT_TIMEOUT".
const EnvPrefix = "KERNEL"

// ErrConfigInvalidStructure indicates the value passed to a feeder is not
// a pointer to a struct.
var ErrConfigInvalidStructure = errors.New("config: structure must be a non-nil struct pointer")

// Config is the top-level kernel configuration. Fields are populated in
// two passes: defaults from `default` tags, then overrides from
// environment variables named by `env` tags under EnvPrefix.
type Config struct {
	// ManifestDir is scanned (and optionally watched) for module
	// manifests in YAML, JSON, or TOML form.
	ManifestDir string `json:"manifestDir,omitempty" yaml:"manifestDir,omitempty" env:"MANIFEST_DIR" default:"./manifests"`

	// WatchManifests enables the filesystem watcher that registers and
	// hot-reloads modules when manifest files change.
	WatchManifests bool `json:"watchManifests,omitempty" yaml:"watchManifests,omitempty" env:"WATCH_MANIFESTS" default:"false"`

	// AdminAddr is the listen address for the admin HTTP API. Empty
	// disables the server.
	AdminAddr string `json:"adminAddr,omitempty" yaml:"adminAddr,omitempty" env:"ADMIN_ADDR" default:""`

	Registry RegistryConfig  `json:"registry" yaml:"registry"`
	EventBus eventbus.Config `json:"eventBus" yaml:"eventBus"`
}

// LoadConfig builds a Config from struct tag defaults and the process
// environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := FeedEnv(cfg, EnvPrefix); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields from their `default` tags,
// recursing into nested structs.
func ApplyDefaults(structure any) error {
	rv, err := structValue(structure)
	if err != nil {
		return err
	}
	return applyStructDefaults(rv)
}

// FeedEnv overrides fields from environment variables named by their
// `env` tags, each prefixed with prefix and an underscore.
func FeedEnv(structure any, prefix string) error {
	rv, err := structValue(structure)
	if err != nil {
		return err
	}
	return feedStructEnv(rv, strings.ToUpper(prefix))
}

func structValue(structure any) (reflect.Value, error) {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, ErrConfigInvalidStructure
	}
	return rv.Elem(), nil
}

func applyStructDefaults(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := applyStructDefaults(field); err != nil {
				return fmt.Errorf("field %s: %w", fieldType.Name, err)
			}
			continue
		}
		defaultVal, ok := fieldType.Tag.Lookup("default")
		if !ok || defaultVal == "" || !field.IsZero() {
			continue
		}
		if err := setFieldValue(field, defaultVal); err != nil {
			return fmt.Errorf("field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func feedStructEnv(rv reflect.Value, prefix string) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := feedStructEnv(field, prefix); err != nil {
				return fmt.Errorf("field %s: %w", fieldType.Name, err)
			}
			continue
		}
		envTag, ok := fieldType.Tag.Lookup("env")
		if !ok || envTag == "" {
			continue
		}
		envName := strings.ToUpper(envTag)
		if prefix != "" {
			envName = prefix + "_" + envName
		}
		envValue := os.Getenv(envName)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("field %s (%s): %w", fieldType.Name, envName, err)
		}
	}
	return nil
}

// setFieldValue converts strValue to the field's type and assigns it.
// Durations are handled explicitly since their underlying kind is int64.
func setFieldValue(field reflect.Value, strValue string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(strValue)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", strValue, err)
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	converted, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert %q to %v: %w", strValue, field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}
