package main

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/radiomesh/locate"
)

func floatPtr(v float64) *float64 { return &v }

func testAppConfig() *locate.Config {
	return &locate.Config{
		Receivers: []locate.ReceiverConfig{
			{ID: "r1", Position: []float64{0, 0}},
			{ID: "r2", Position: []float64{10, 0}},
			{ID: "r3", Position: []float64{0, 10}},
			{ID: "r4", Position: []float64{10, 10}},
		},
		Sources: []locate.RadioSource{
			{ID: "beacon-1", Kind: locate.SourceBeacon},
		},
	}
}

func newTestApp() *App {
	app := NewApp()
	app.Config = testAppConfig()
	app.Seed = 9
	return app
}

// addExactReadings feeds one noise-free ranging reading per receiver for the
// given emitter position.
func addExactReadings(app *App, sourceID string, target []float64) {
	for _, rc := range app.Config.Receivers {
		dx := rc.Position[0] - target[0]
		dy := rc.Position[1] - target[1]
		app.Collector.Add(locate.Reading{
			SourceID: sourceID,
			Position: rc.Position,
			Distance: floatPtr(math.Hypot(dx, dy)),
		})
	}
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
	}
	if app.Collector == nil {
		t.Error("Collector should be initialized")
	}
	if app.Hub == nil {
		t.Error("Hub should be initialized")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:   "test-config.yaml",
		DataDir:      "/test/data",
		ReadingsFile: "readings.json",
		OutputFile:   "out.svg",
		RenderFormat: "svg",
		Seed:         42,
		Interval:     2.5,
		HttpPort:     9090,
		MqttMode:     true,
		HttpMode:     false,
	}

	app.ApplyOptions(opts)

	if app.ConfigFile != "test-config.yaml" {
		t.Errorf("ConfigFile = %s, want test-config.yaml", app.ConfigFile)
	}
	if app.DataDir != "/test/data" {
		t.Errorf("DataDir = %s, want /test/data", app.DataDir)
	}
	if app.ReadingsFile != "readings.json" {
		t.Errorf("ReadingsFile = %s, want readings.json", app.ReadingsFile)
	}
	if app.OutputFile != "out.svg" || app.RenderFormat != "svg" {
		t.Errorf("output options = %s/%s", app.OutputFile, app.RenderFormat)
	}
	if app.Seed != 42 || app.Interval != 2.5 || app.HttpPort != 9090 {
		t.Errorf("numeric options = %d/%f/%d", app.Seed, app.Interval, app.HttpPort)
	}
	if !app.MqttMode || app.HttpMode {
		t.Errorf("mode options = %v/%v", app.MqttMode, app.HttpMode)
	}
}

func TestToReading(t *testing.T) {
	app := newTestApp()

	rd, err := app.toReading(batchReading{
		Receiver:  "r2",
		SourceID:  "beacon-1",
		Distance:  floatPtr(4.5),
		Timestamp: 1700000000000,
	})
	if err != nil {
		t.Fatalf("toReading: %v", err)
	}
	if rd.Position[0] != 10 || rd.Position[1] != 0 {
		t.Errorf("position = %v, want receiver r2's", rd.Position)
	}
	if !rd.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("timestamp = %v", rd.Timestamp)
	}

	if _, err := app.toReading(batchReading{Receiver: "ghost", SourceID: "s", Distance: floatPtr(1)}); err == nil {
		t.Error("unknown receiver accepted")
	}
	if _, err := app.toReading(batchReading{Receiver: "r1", SourceID: "s"}); err == nil {
		t.Error("measurement-free entry accepted")
	}
}

func TestSourceFor(t *testing.T) {
	app := newTestApp()

	if src := app.sourceFor("beacon-1"); src.Kind != locate.SourceBeacon || src.ID != "beacon-1" {
		t.Errorf("configured source = %+v", src)
	}
	if src := app.sourceFor("unknown-7"); src.ID != "unknown-7" || src.Kind != locate.SourceBeacon {
		t.Errorf("ad-hoc source = %+v", src)
	}
}

func TestLocateAll(t *testing.T) {
	app := newTestApp()
	target := []float64{3, 4}
	addExactReadings(app, "beacon-1", target)

	// A second source with too few readings must be skipped, not fail.
	app.Collector.Add(locate.Reading{
		SourceID: "sparse",
		Position: []float64{0, 0},
		Distance: floatPtr(2),
	})

	located := app.locateAll()
	if len(located) != 1 {
		t.Fatalf("located %d sources, want 1", len(located))
	}
	ls := located[0]
	if ls.Source.ID != "beacon-1" {
		t.Errorf("located source = %s", ls.Source.ID)
	}
	for i, want := range target {
		if math.Abs(ls.Solution.Position[i]-want) > 1e-6 {
			t.Errorf("position = %v, want %v", ls.Solution.Position, target)
			break
		}
	}
}

func TestWriteSceneFile(t *testing.T) {
	app := newTestApp()
	addExactReadings(app, "beacon-1", []float64{3, 4})
	located := app.locateAll()
	if len(located) != 1 {
		t.Fatal("fixture did not locate")
	}
	dir := t.TempDir()

	// Extension picks the format regardless of --format.
	app.RenderFormat = "geojson"
	app.OutputFile = filepath.Join(dir, "scene.svg")
	if err := app.writeSceneFile(located); err != nil {
		t.Fatalf("writing svg: %v", err)
	}
	svgData, err := os.ReadFile(app.OutputFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(svgData), "<svg") {
		t.Errorf("svg output starts with %.40s", svgData)
	}

	app.OutputFile = filepath.Join(dir, "scene.geojson")
	if err := app.writeSceneFile(located); err != nil {
		t.Fatalf("writing geojson: %v", err)
	}
	geoData, err := os.ReadFile(app.OutputFile)
	if err != nil {
		t.Fatal(err)
	}
	var fc map[string]interface{}
	if err := json.Unmarshal(geoData, &fc); err != nil {
		t.Fatalf("geojson output invalid: %v", err)
	}
	if fc["type"] != "FeatureCollection" {
		t.Errorf("geojson type = %v", fc["type"])
	}

	app.RenderFormat = "stl"
	app.OutputFile = filepath.Join(dir, "scene.out")
	if err := app.writeSceneFile(located); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestRunLocateOnce(t *testing.T) {
	dir := t.TempDir()

	configData := `
receivers:
  - id: r1
    position: [0, 0]
  - id: r2
    position: [10, 0]
  - id: r3
    position: [0, 10]
  - id: r4
    position: [10, 10]
`
	configPath := filepath.Join(dir, "site.yaml")
	if err := os.WriteFile(configPath, []byte(configData), 0644); err != nil {
		t.Fatal(err)
	}

	target := []float64{3, 4}
	receiverIDs := []string{"r1", "r2", "r3", "r4"}
	positions := [][]float64{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	var entries []batchReading
	for i, pos := range positions {
		dx, dy := pos[0]-target[0], pos[1]-target[1]
		entries = append(entries, batchReading{
			Receiver: receiverIDs[i],
			SourceID: "beacon-1",
			Distance: floatPtr(math.Hypot(dx, dy)),
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	readingsPath := filepath.Join(dir, "readings.json")
	if err := os.WriteFile(readingsPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	app := NewApp()
	app.ApplyOptions(AppOptions{
		ConfigFile:   configPath,
		DataDir:      dir,
		ReadingsFile: readingsPath,
		OutputFile:   filepath.Join(dir, "scene.geojson"),
		RenderFormat: "geojson",
		Seed:         11,
	})

	app.RunLocateOnce()

	if _, err := os.Stat(app.OutputFile); err != nil {
		t.Errorf("output file missing: %v", err)
	}
	if app.Collector.ReadingCount("beacon-1") != 4 {
		t.Errorf("collector holds %d readings, want 4", app.Collector.ReadingCount("beacon-1"))
	}
}
