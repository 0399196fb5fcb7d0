package locate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

const validConfigYAML = `
mqtt:
  broker: "tcp://localhost:1883"
  clientId: "radiomesh-test"
  topicPrefix: "radiomesh"
receivers:
  - id: "recv-north"
    position: [0, 10]
  - id: "recv-south"
    position: [0, -10]
    topic: "custom/south/readings"
sources:
  - id: "beacon-1"
    kind: "beacon"
    transmittedPower: -12.5
estimator:
  threshold: 0.8
  confidence: 0.95
  maxIterations: 2000
  estimatePower: true
  minReadings: 6
`

// --- loading ---

func TestLoadConfig_Valid(t *testing.T) {
	path := writeConfig(t, validConfigYAML)
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if config.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("broker = %q", config.MQTT.Broker)
	}
	if len(config.Receivers) != 2 {
		t.Fatalf("got %d receivers, want 2", len(config.Receivers))
	}
	if config.Receivers[1].Topic != "custom/south/readings" {
		t.Errorf("receiver topic = %q", config.Receivers[1].Topic)
	}
	if config.Dimensions() != 2 {
		t.Errorf("Dimensions() = %d, want default 2", config.Dimensions())
	}

	src := config.GetSourceByID("beacon-1")
	if src == nil || src.TransmittedPower == nil || *src.TransmittedPower != -12.5 {
		t.Errorf("source beacon-1 = %+v", src)
	}
	if config.GetSourceByID("missing") != nil {
		t.Error("GetSourceByID invented a source")
	}

	caps := config.Caps()
	if !caps.Position || !caps.Power || caps.Exponent {
		t.Errorf("Caps() = %+v", caps)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no receivers", "mqtt:\n  broker: tcp://x:1883\n", "at least one receiver"},
		{"missing id", "receivers:\n  - position: [0, 0]\n", "id is required"},
		{"wrong dims", "receivers:\n  - id: r1\n    position: [0, 0, 0]\n", "want 2"},
		{"bad dimensionality", "receivers:\n  - id: r1\n    position: [0, 0]\nestimator:\n  dimensions: 4\n", "must be 2 or 3"},
		{"bad confidence", "receivers:\n  - id: r1\n    position: [0, 0]\nestimator:\n  confidence: 1.5\n", "confidence"},
		{"not yaml", "{{nope", "parsing config"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.yaml)
		_, err := LoadConfig(path)
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: err = %v, want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestLoadConfig_ThreeDimensional(t *testing.T) {
	path := writeConfig(t, `
receivers:
  - id: r1
    position: [0, 0, 3]
estimator:
  dimensions: 3
`)
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Dimensions() != 3 {
		t.Errorf("Dimensions() = %d, want 3", config.Dimensions())
	}
}

// --- round trip ---

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := writeConfig(t, validConfigYAML)
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	out := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(out, config); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	reloaded, err := LoadConfig(out)
	if err != nil {
		t.Fatalf("reloading saved config: %v", err)
	}
	if reloaded.Estimator.MinReadings != 6 || !reloaded.Estimator.EstimatePower {
		t.Errorf("estimator section lost in round trip: %+v", reloaded.Estimator)
	}
}

// --- applying tuning ---

func TestEstimatorConfig_ApplyTo(t *testing.T) {
	est, err := NewEstimator(2)
	if err != nil {
		t.Fatal(err)
	}
	ec := &EstimatorConfig{Threshold: 0.8, Confidence: 0.95, MaxIterations: 2000, SubsetSize: 4}
	if err := ec.ApplyTo(est); err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}

	bad := &EstimatorConfig{SubsetSize: 1}
	if err := bad.ApplyTo(est); err == nil {
		t.Error("undersized subset accepted")
	}
}
