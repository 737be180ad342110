// Package config loads st-util's optional INI configuration file,
// overridable by CLI flags and one environment variable (spec §6.2).
// Grounded on FoenixMgrGo's pkg/config/config.go multi-path search
// order, generalized from its single DEFAULT section and
// CPU/flash-chunk keys to st-util's probe/port/frequency surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Config holds the settings a config file or CLI flag can supply.
// Zero values mean "unset"; the CLI layer fills remaining defaults.
type Config struct {
	Transport   string // "auto", "serial", "ftdi", "fake"
	Serial      string
	ListenPort  int
	FreqHz      int
	NoReset     bool
	UnderReset  bool
	Multi       bool
	Semihosting bool
	Verbose     int
}

// Load reads st-util.ini from the given explicit path if non-empty,
// else searches, in order:
//  1. ./st-util.ini
//  2. $STLINK_DEVICE directory/st-util.ini (reusing the existing probe
//     selection environment variable as a config anchor)
//  3. ~/st-util.ini
//
// Without an explicit path, Load never errors when no file is found;
// callers get a Config of zero values, to be filled in by CLI flag
// defaults. An explicit path that does not exist or fails to parse is
// an error.
func Load(explicitPath string) (*Config, error) {
	var searchPaths []string
	if explicitPath != "" {
		searchPaths = []string{explicitPath}
	} else {
		searchPaths = append(searchPaths, filepath.Join(".", "st-util.ini"))
		if dev := os.Getenv("STLINK_DEVICE"); dev != "" {
			searchPaths = append(searchPaths, filepath.Join(filepath.Dir(dev), "st-util.ini"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			searchPaths = append(searchPaths, filepath.Join(home, "st-util.ini"))
		}
	}

	var iniFile *ini.File
	for _, path := range searchPaths {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		f, err := ini.Load(path)
		if err != nil {
			if explicitPath != "" {
				return nil, fmt.Errorf("config: load %s: %w", path, err)
			}
			continue
		}
		iniFile = f
		break
	}

	cfg := &Config{}
	if iniFile == nil {
		if explicitPath != "" {
			return nil, fmt.Errorf("config: no file found at %s", explicitPath)
		}
		return cfg, nil
	}

	section := iniFile.Section("DEFAULT")
	cfg.Transport = section.Key("transport").MustString("")
	cfg.Serial = section.Key("serial").MustString("")
	cfg.ListenPort = section.Key("listen_port").MustInt(0)
	cfg.FreqHz = section.Key("freq").MustInt(0)
	cfg.NoReset = section.Key("no_reset").MustBool(false)
	cfg.UnderReset = section.Key("connect_under_reset").MustBool(false)
	cfg.Multi = section.Key("multi").MustBool(false)
	cfg.Semihosting = section.Key("semihosting").MustBool(false)
	cfg.Verbose = section.Key("verbose").MustInt(0)
	return cfg, nil
}
