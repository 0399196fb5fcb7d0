package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/radiomesh/locate"
)

// AppOptions carries the parsed CLI flags.
type AppOptions struct {
	ConfigFile   string
	DataDir      string
	ReadingsFile string
	OutputFile   string
	RenderFormat string
	Seed         int64
	Interval     float64
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// App encapsulates the application state and dependencies
type App struct {
	Config     *locate.Config
	Collector  *locate.Collector
	MQTTClient *locate.MQTTClient
	Publisher  *locate.Publisher
	Hub        *wsHub

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	DataDir      string
	ReadingsFile string
	OutputFile   string
	RenderFormat string
	Seed         int64
	Interval     float64
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Collector: locate.NewCollector(),
		Hub:       newWSHub(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.ReadingsFile = opts.ReadingsFile
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.Seed = opts.Seed
	a.Interval = opts.Interval
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// batchReading is one entry of a --readings file: the wire payload plus the
// receiver it was observed at.
type batchReading struct {
	Receiver         string   `json:"receiver"`
	SourceID         string   `json:"sourceId"`
	Distance         *float64 `json:"distance,omitempty"`
	DistanceStdDev   *float64 `json:"distanceStdDev,omitempty"`
	RSSI             *float64 `json:"rssi,omitempty"`
	RSSIStdDev       *float64 `json:"rssiStdDev,omitempty"`
	PathLossExponent *float64 `json:"pathLossExponent,omitempty"`
	Timestamp        int64    `json:"timestamp,omitempty"`
}

// RunLocateOnce loads a readings file, runs one robust estimate per source,
// prints the results and optionally writes a scene export.
func (a *App) RunLocateOnce() {
	if a.ReadingsFile == "" {
		log.Fatal("--locate requires --readings=FILE")
	}

	config := a.loadConfig()
	a.Config = config

	data, err := os.ReadFile(a.ReadingsFile)
	if err != nil {
		log.Fatalf("Error reading %s: %v", a.ReadingsFile, err)
	}

	var entries []batchReading
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Fatalf("Error parsing %s: %v", a.ReadingsFile, err)
	}

	for _, entry := range entries {
		rd, err := a.toReading(entry)
		if err != nil {
			log.Printf("Warning: skipping reading: %v", err)
			continue
		}
		a.Collector.Add(*rd)
	}

	ids := a.Collector.SourceIDs()
	if len(ids) == 0 {
		log.Fatal("No usable readings found")
	}
	fmt.Printf("Loaded %d reading(s) for %d source(s)\n\n", len(entries), len(ids))

	located := a.locateAll()
	if len(located) == 0 {
		log.Fatal("No source could be located")
	}

	for _, ls := range located {
		printLocated(ls)
	}

	if a.OutputFile != "" {
		if err := a.writeSceneFile(located); err != nil {
			log.Fatalf("Error writing %s: %v", a.OutputFile, err)
		}
		fmt.Printf("Created: %s\n", a.OutputFile)
	}
}

// RunService starts the combined MQTT and/or HTTP service
func (a *App) RunService() {
	fmt.Println("Starting radiomesh service...")

	config := a.loadConfig()
	a.Config = config

	if a.Config.Estimator.MinReadings > 0 {
		a.Collector.SetWindow(maxInt(locate.DefaultReadingWindow, a.Config.Estimator.MinReadings))
	}

	if a.MqttMode {
		handler := func(receiverID string, rawPayload []byte, reading *locate.Reading, err error) {
			if err != nil {
				log.Printf("Error decoding reading from %s: %v", receiverID, err)
				return
			}
			a.Collector.Add(*reading)
		}

		mqttClient, err := locate.InitMQTT(config, handler)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient
		a.Publisher = locate.NewPublisher(mqttClient.Client())
		fmt.Println("MQTT result publisher initialized")

		go a.estimateLoop()
	}

	if a.HttpMode {
		httpServer := newHTTPServer(a.Collector, a.Config, a.Hub)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for i := range config.Receivers {
			rc := &config.Receivers[i]
			fmt.Printf("    - %s (%s)\n", a.MQTTClient.ReceiverTopic(rc), rc.ID)
		}
		prefix := config.MQTT.TopicPrefix
		if prefix == "" {
			prefix = "radiomesh"
		}
		fmt.Printf("  Publishing to: %s/located/{sourceID}\n", prefix)
		fmt.Printf("  Combined results: %s/located\n", prefix)
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET /health          - Health check")
		fmt.Println("  GET /sources         - Located sources as JSON")
		fmt.Println("  GET /sources.geojson - Located sources as GeoJSON")
		fmt.Println("  GET /scene.svg       - Scene rendering (SVG)")
		fmt.Println("  GET /scene.png       - Scene rendering (PNG)")
		fmt.Println("  GET /ws              - Live result stream (WebSocket)")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}

// estimateLoop periodically re-estimates every source that has accumulated
// enough readings, publishing and broadcasting each fresh result.
func (a *App) estimateLoop() {
	interval := time.Duration(a.Interval * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		for _, ls := range a.locateAll() {
			a.Collector.UpdateLocated(ls)
			if a.Publisher != nil {
				if err := a.Publisher.PublishLocated(ls); err != nil {
					log.Printf("Error publishing result for %s: %v", ls.Source.ID, err)
				}
			}
			a.Hub.Broadcast(ls)
		}
	}
}

// locateAll runs one robust estimate per source currently tracked by the
// collector. Sources below the reading minimum are skipped; estimation
// failures are logged and do not abort the pass.
func (a *App) locateAll() []*locate.LocatedSource {
	minReadings := a.Config.Estimator.MinReadings
	if minReadings <= 0 {
		minReadings = locate.MinRequiredReadings(a.Config.Dimensions(), a.Config.Caps())
	}

	var located []*locate.LocatedSource
	for _, id := range a.Collector.SourceIDs() {
		readings := a.Collector.Readings(id)
		if len(readings) < minReadings {
			continue
		}

		src := a.sourceFor(id)
		ls, err := locate.LocateSource(src, readings, a.Config.Dimensions(), a.Config.Caps(), a.configureEstimator)
		if err != nil {
			log.Printf("Warning: locating %s failed: %v", id, err)
			continue
		}
		located = append(located, ls)
	}
	return located
}

// sourceFor resolves the configured source metadata for an ID, falling back
// to an ad-hoc beacon when the source is not pre-declared.
func (a *App) sourceFor(id string) locate.RadioSource {
	if src := a.Config.GetSourceByID(id); src != nil {
		return *src
	}
	return locate.RadioSource{ID: id, Kind: locate.SourceBeacon}
}

// configureEstimator applies the config tuning plus the CLI seed.
func (a *App) configureEstimator(est *locate.Estimator) error {
	if err := a.Config.Estimator.ApplyTo(est); err != nil {
		return err
	}
	if a.Seed != 0 {
		if err := est.SetRandom(rand.New(rand.NewSource(a.Seed))); err != nil {
			return err
		}
	}
	return nil
}

// toReading converts one batch entry into a Reading with the receiver's
// configured position attached.
func (a *App) toReading(entry batchReading) (*locate.Reading, error) {
	rc := a.Config.GetReceiverByID(entry.Receiver)
	if rc == nil {
		return nil, fmt.Errorf("unknown receiver %q", entry.Receiver)
	}

	ts := time.Now()
	if entry.Timestamp > 0 {
		ts = time.UnixMilli(entry.Timestamp)
	}

	rd := locate.Reading{
		SourceID:         entry.SourceID,
		Position:         rc.Position,
		Distance:         entry.Distance,
		DistanceStdDev:   entry.DistanceStdDev,
		RSSI:             entry.RSSI,
		RSSIStdDev:       entry.RSSIStdDev,
		PathLossExponent: entry.PathLossExponent,
		Timestamp:        ts,
	}
	if err := rd.Validate(a.Config.Dimensions()); err != nil {
		return nil, fmt.Errorf("reading from %s: %w", entry.Receiver, err)
	}
	return &rd, nil
}

// writeSceneFile exports the located sources in the configured format.
func (a *App) writeSceneFile(located []*locate.LocatedSource) error {
	format := a.RenderFormat
	switch ext := strings.ToLower(filepath.Ext(a.OutputFile)); ext {
	case ".geojson", ".json":
		format = "geojson"
	case ".svg":
		format = "svg"
	case ".png":
		format = "png"
	}

	switch format {
	case "geojson":
		readings := make(map[string][]locate.Reading)
		for _, ls := range located {
			readings[ls.Source.ID] = a.Collector.Readings(ls.Source.ID)
		}
		fc := locate.SceneToGeoJSON(a.Config.Receivers, located, readings)
		data, err := locate.MarshalScene(fc)
		if err != nil {
			return err
		}
		return os.WriteFile(a.OutputFile, data, 0644)
	case "svg", "png":
		renderer := a.buildSceneRenderer(located)
		out, err := os.Create(a.OutputFile)
		if err != nil {
			return err
		}
		defer out.Close()
		if format == "svg" {
			return renderer.RenderToSVG(out)
		}
		return renderer.RenderToPNG(out)
	default:
		return fmt.Errorf("unknown format %q (must be geojson, svg, or png)", format)
	}
}

func (a *App) buildSceneRenderer(located []*locate.LocatedSource) *locate.SceneRenderer {
	renderer := locate.NewSceneRenderer(a.Config.Receivers)
	for _, ls := range located {
		renderer.Located[ls.Source.ID] = ls
		renderer.Readings[ls.Source.ID] = a.Collector.Readings(ls.Source.ID)
	}
	return renderer
}

// loadConfig resolves the config path relative to data-dir and loads it.
func (a *App) loadConfig() *locate.Config {
	resolved := a.ConfigFile
	if a.DataDir != "." && resolved == "config.yaml" {
		resolved = filepath.Join(a.DataDir, "config.yaml")
	}

	config, err := locate.LoadConfig(resolved)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, resolved)
	}
	log.Printf("Loaded config from %s", resolved)
	return config
}

func printLocated(ls *locate.LocatedSource) {
	fmt.Printf("=== %s ===\n", ls.Source.ID)
	fmt.Printf("Position: %v\n", ls.Solution.Position)
	if ls.Solution.Power != nil {
		fmt.Printf("Transmitted power: %.1f dBm\n", *ls.Solution.Power)
	}
	if ls.Solution.Exponent != nil {
		fmt.Printf("Path-loss exponent: %.2f\n", *ls.Solution.Exponent)
	}
	if ls.Inliers != nil {
		fmt.Printf("Inliers: %d/%d (cost %.4f)\n", ls.Inliers.NumInliers, ls.Readings, ls.Inliers.BestCost)
	}
	fmt.Println()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
