package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// appRunner is the application surface the CLI dispatches to. Tests
// substitute a mock.
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunLocateOnce()
	RunService()
}

// run parses the CLI flags and dispatches to the matching application mode.
func run(args []string, out io.Writer, app appRunner) error {
	fs := flag.NewFlagSet("radiomesh", flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", "config.yaml", "Path to configuration file")
	dataDir := fs.String("data-dir", ".", "Directory for config and output files")
	readingsFile := fs.String("readings", "", "Path to a readings JSON file for --locate mode")
	locateOnly := fs.Bool("locate", false, "Run one estimation pass over a readings file and exit")
	outputFile := fs.String("output", "", "Output file for --locate mode (extension selects format)")
	renderFormat := fs.String("format", "geojson", "Output format for --locate mode: geojson, svg, or png")
	seed := fs.Int64("seed", 0, "Random seed for reproducible estimates (0 = time-based)")
	interval := fs.Float64("interval", 5.0, "Estimation interval in seconds for service mode")
	mqttMode := fs.Bool("mqtt", false, "Run MQTT service mode for live reading ingestion")
	httpMode := fs.Bool("http", false, "Enable HTTP server for results and scene rendering")
	httpPort := fs.Int("http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "radiomesh version: %s\n", Version)

	app.ApplyOptions(AppOptions{
		ConfigFile:   *configFile,
		DataDir:      *dataDir,
		ReadingsFile: *readingsFile,
		OutputFile:   *outputFile,
		RenderFormat: *renderFormat,
		Seed:         *seed,
		Interval:     *interval,
		HttpPort:     *httpPort,
		MqttMode:     *mqttMode,
		HttpMode:     *httpMode,
	})

	switch {
	case *locateOnly:
		app.RunLocateOnce()
	case *mqttMode || *httpMode:
		app.RunService()
	default:
		fmt.Fprintln(out, "radiomesh service starting...")
		fmt.Fprintln(out, "Use --locate --readings=FILE to run a one-shot estimate")
		fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
		fmt.Fprintln(out, "Use --http to run HTTP server mode")
		fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - MQTT settings, receiver positions and estimator tuning")
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
}
