package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/songzhibin97/routegate/internal/config/source/etcd"
	"github.com/songzhibin97/routegate/internal/config/source/file"
	pkgConfig "github.com/songzhibin97/routegate/pkg/config"
)

// Supported route document drivers
const (
	DriverFile = "file"
	DriverEtcd = "etcd"
)

// ErrUnknownSourceDriver is returned for a driver without a registered source
var ErrUnknownSourceDriver = errors.New("invalid configuration source driver")

// sourceDriver validates and builds one kind of route document source
type sourceDriver struct {
	validate func(SourceConfig) error
	create   func(SourceConfig) (pkgConfig.Source, error)
}

var sourceDrivers = map[string]sourceDriver{
	DriverFile: {validate: validateFileSource, create: newFileSource},
	DriverEtcd: {validate: validateEtcdSource, create: newEtcdSource},
}

func lookupDriver(name string) (sourceDriver, error) {
	d, ok := sourceDrivers[name]
	if !ok {
		names := make([]string, 0, len(sourceDrivers))
		for n := range sourceDrivers {
			names = append(names, n)
		}
		sort.Strings(names)
		return sourceDriver{}, fmt.Errorf("%w: %q (valid options: %s)", ErrUnknownSourceDriver, name, strings.Join(names, ", "))
	}
	return d, nil
}

// CreateConfigSource creates the route document source selected by
// config.source.driver. The settings are validated first.
func CreateConfigSource(cfg *Config) (pkgConfig.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	sc := cfg.ConfigSource.Source
	d, err := lookupDriver(sc.Driver)
	if err != nil {
		return nil, err
	}
	if err := d.validate(sc); err != nil {
		return nil, err
	}
	return d.create(sc)
}

// ValidateSourceConfig validates the configuration source settings
func ValidateSourceConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}

	d, err := lookupDriver(cfg.ConfigSource.Source.Driver)
	if err != nil {
		return err
	}
	return d.validate(cfg.ConfigSource.Source)
}

// pollInterval prefers the driver setting over the shared one
func (sc SourceConfig) pollInterval(driverSetting time.Duration) time.Duration {
	switch {
	case driverSetting > 0:
		return driverSetting
	case sc.PollInterval > 0:
		return sc.PollInterval
	default:
		return time.Second
	}
}

func validateFileSource(sc SourceConfig) error {
	switch {
	case sc.File.Path == "":
		return fmt.Errorf("file path is required for file source driver")
	case sc.File.PollInterval < 0 || sc.PollInterval < 0:
		return fmt.Errorf("file poll interval cannot be negative")
	}
	return nil
}

func newFileSource(sc SourceConfig) (pkgConfig.Source, error) {
	source, err := file.NewFileSource(sc.File.Path, sc.pollInterval(sc.File.PollInterval))
	if err != nil {
		return nil, fmt.Errorf("failed to create file source: %w", err)
	}
	return source, nil
}

func validateEtcdSource(sc SourceConfig) error {
	ec := sc.Etcd
	switch {
	case len(ec.Endpoints) == 0:
		return fmt.Errorf("etcd endpoints are required for etcd source driver")
	case ec.Key == "":
		return fmt.Errorf("etcd key is required for etcd source driver")
	case ec.Timeout < 0:
		return fmt.Errorf("etcd timeout cannot be negative")
	case ec.TLS.Enabled && (ec.TLS.CertFile == "") != (ec.TLS.KeyFile == ""):
		return fmt.Errorf("etcd TLS cert file and key file must be set together")
	}
	return nil
}

func newEtcdSource(sc SourceConfig) (pkgConfig.Source, error) {
	ec := sc.Etcd
	opts := &etcd.EtcdConfig{
		Endpoints: ec.Endpoints,
		Timeout:   ec.Timeout,
		Username:  ec.Username,
		Password:  ec.Password,
	}
	if ec.TLS.Enabled {
		opts.TLS = &etcd.TLSConfig{
			Enabled:  true,
			CertFile: ec.TLS.CertFile,
			KeyFile:  ec.TLS.KeyFile,
			CAFile:   ec.TLS.CAFile,
		}
	}

	source, err := etcd.NewEtcdSource(opts, ec.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd source: %w", err)
	}
	return source, nil
}
