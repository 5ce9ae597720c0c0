// Package config loads the daemon's JSON configuration file, writing a
// default one on first run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

const DefaultDatastoreName = "default"

type DatastoreConfig struct {
	Path string `json:"path"`
	Init bool   `json:"init,omitempty"`
}

type DaemonConfig struct {
	NodeName   string                     `json:"nodename"`
	Datastores map[string]DatastoreConfig `json:"datastores"`
	APIPort    int                        `json:"apiport,omitempty"`
}

func defaultConfig() *DaemonConfig {
	hostname, _ := os.Hostname()
	return &DaemonConfig{
		NodeName: hostname,
		Datastores: map[string]DatastoreConfig{
			DefaultDatastoreName: {Path: "/var/lib/zhyperd", Init: true},
		},
		APIPort: 8080,
	}
}

// Load reads the config at path. If the file does not exist, a default
// config is written there and ErrWroteDefault is returned so the caller
// can review it and exit without starting.
func Load(path string) (*DaemonConfig, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		def := defaultConfig()
		out, merr := json.MarshalIndent(def, "", "  ")
		if merr != nil {
			return nil, merr
		}
		if werr := os.WriteFile(path, out, 0644); werr != nil {
			return nil, fmt.Errorf("write default config: %w", werr)
		}
		return nil, ErrWroteDefault
	} else if err != nil {
		return nil, err
	}

	var cfg DaemonConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if _, ok := cfg.Datastores[DefaultDatastoreName]; !ok {
		return nil, fmt.Errorf("config must define a %q datastore", DefaultDatastoreName)
	}

	return &cfg, nil
}

var ErrWroteDefault = fmt.Errorf("wrote default config, exiting")
