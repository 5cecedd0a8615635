package gateway

import (
	"fmt"
	"os"

	"pvgateway/pkg/drivers/mqttpv"
	"pvgateway/pkg/drivers/opcuapv"
	"pvgateway/pkg/drivers/sim"

	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration file.
type Config struct {
	Server    ServerDescription `yaml:"server"`
	HTTP      HTTPConfig        `yaml:"http"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Database  DatabaseConfig    `yaml:"database"`
	Workers   int               `yaml:"workers"`
	Monitor   MonitorConfig     `yaml:"monitor"`
	Simulator SimulatorConfig   `yaml:"simulator"`
	MQTT      *mqttpv.Config    `yaml:"mqtt"`
	OPCUA     *opcuapv.Config   `yaml:"opcua"`
	Channels  []ChannelConfig   `yaml:"channels"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Port    int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type MonitorConfig struct {
	Buffer int `yaml:"buffer"`
}

type SimulatorConfig struct {
	PVs []sim.PVConfig `yaml:"pvs"`
}

// Load reads a configuration file. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "PV Gateway"
	}
	if c.Server.ManufacturerVersion == "" {
		c.Server.ManufacturerVersion = "1.0"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8090
	}
	if c.Discovery.Addr == "" {
		c.Discovery.Addr = "0.0.0.0"
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = defaultDiscoveryPort
	}
	if c.Database.Path == "" {
		c.Database.Path = "pvgw.db"
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.Monitor.Buffer <= 0 {
		c.Monitor.Buffer = 64
	}
	if c.MQTT != nil {
		c.MQTT.ApplyDefaults()
	}
	if c.OPCUA != nil {
		c.OPCUA.ApplyDefaults()
	}
}

func (c *Config) validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTP.Port)
	}
	if c.MQTT != nil {
		if err := c.MQTT.Validate(); err != nil {
			return fmt.Errorf("mqtt config: %w", err)
		}
	}
	if c.OPCUA != nil {
		if err := c.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if err := ch.validate(); err != nil {
			return err
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel name: %s", ch.Name)
		}
		seen[ch.Name] = true
	}
	return nil
}
