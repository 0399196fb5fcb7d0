package locate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig declares a fixed receiver with a known position in the
// local frame (meters). Topic is the MQTT topic its readings arrive on; an
// empty topic derives one from the configured topic prefix and the ID.
type ReceiverConfig struct {
	ID       string    `yaml:"id"`
	Position []float64 `yaml:"position"`
	Topic    string    `yaml:"topic,omitempty"`
}

// EstimatorConfig carries the robust-driver tuning. Zero values fall back to
// the package defaults.
type EstimatorConfig struct {
	Dimensions    int     `yaml:"dimensions,omitempty"`
	Threshold     float64 `yaml:"threshold,omitempty"`
	Confidence    float64 `yaml:"confidence,omitempty"`
	MaxIterations int     `yaml:"maxIterations,omitempty"`
	SubsetSize    int     `yaml:"subsetSize,omitempty"`

	EstimatePower    bool `yaml:"estimatePower"`
	EstimateExponent bool `yaml:"estimateExponent"`

	// MinReadings gates how many accumulated readings a source needs before
	// an estimate is attempted.
	MinReadings int `yaml:"minReadings,omitempty"`
}

// MQTTConfig mirrors the broker settings. Environment variables
// MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and MQTT_PASSWORD override the
// file values.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"clientId,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topicPrefix,omitempty"`
}

// Config is the unified service configuration.
type Config struct {
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Receivers []ReceiverConfig `yaml:"receivers"`
	Sources   []RadioSource    `yaml:"sources,omitempty"`
	Estimator EstimatorConfig  `yaml:"estimator,omitempty"`
}

// Dimensions returns the configured dimensionality, defaulting to 2.
func (c *Config) Dimensions() int {
	if c.Estimator.Dimensions == 3 {
		return 3
	}
	return 2
}

// Caps builds the capability set from the estimator config. Position is
// always estimated by the service.
func (c *Config) Caps() Capabilities {
	return Capabilities{
		Position: true,
		Power:    c.Estimator.EstimatePower,
		Exponent: c.Estimator.EstimateExponent,
	}
}

// GetReceiverByID returns the receiver config with the given ID, or nil.
func (c *Config) GetReceiverByID(id string) *ReceiverConfig {
	for i := range c.Receivers {
		if c.Receivers[i].ID == id {
			return &c.Receivers[i]
		}
	}
	return nil
}

// GetSourceByID returns the source config with the given ID, or nil when the
// source is not pre-declared (readings may still reference it).
func (c *Config) GetSourceByID(id string) *RadioSource {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}

// LoadConfig loads the unified configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Validate required fields
	if len(config.Receivers) == 0 {
		return nil, fmt.Errorf("at least one receiver must be defined")
	}
	dims := config.Dimensions()
	for i, rc := range config.Receivers {
		if rc.ID == "" {
			return nil, fmt.Errorf("receiver[%d].id is required", i)
		}
		if len(rc.Position) != dims {
			return nil, fmt.Errorf("receiver[%d] (%s): position has %d coordinates, want %d", i, rc.ID, len(rc.Position), dims)
		}
	}
	for i, src := range config.Sources {
		if src.ID == "" {
			return nil, fmt.Errorf("source[%d].id is required", i)
		}
	}
	if d := config.Estimator.Dimensions; d != 0 && d != 2 && d != 3 {
		return nil, fmt.Errorf("estimator.dimensions must be 2 or 3, got %d", d)
	}
	if c := config.Estimator.Confidence; c != 0 && (c <= 0 || c >= 1) {
		return nil, fmt.Errorf("estimator.confidence must be in (0,1), got %f", c)
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyTo configures an estimator from the tuning section; zero values keep
// the estimator defaults.
func (ec *EstimatorConfig) ApplyTo(est *Estimator) error {
	if ec.Threshold > 0 {
		if err := est.SetThreshold(ec.Threshold); err != nil {
			return err
		}
	}
	if ec.Confidence > 0 {
		if err := est.SetConfidence(ec.Confidence); err != nil {
			return err
		}
	}
	if ec.MaxIterations > 0 {
		if err := est.SetMaxIterations(ec.MaxIterations); err != nil {
			return err
		}
	}
	if ec.SubsetSize > 0 {
		if err := est.SetSubsetSize(ec.SubsetSize); err != nil {
			return err
		}
	}
	return nil
}
