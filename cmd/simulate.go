package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wailbentafat/solar-hub/config"
	"github.com/wailbentafat/solar-hub/simulator"
)

var simulateFlags struct {
	multi    bool
	debug    bool
	server   string
	devices  int
	interval int
	sink     string
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Emulate a fleet of solar meters",
	Long: `Run virtual solar devices that follow a day/night curve, inject random
faults and post their readings to the backend ingestion endpoint, or publish
them straight onto the relay's Redis ingest channel.`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.BoolVar(&simulateFlags.multi, "multi", false, "enable multi-plant mode")
	f.BoolVar(&simulateFlags.debug, "debug", false, "log every reading")
	f.StringVar(&simulateFlags.server, "server", "", "backend server URL")
	f.IntVar(&simulateFlags.devices, "devices", 0, "number of virtual devices")
	f.IntVar(&simulateFlags.interval, "interval", 0, "send interval in milliseconds")
	f.StringVar(&simulateFlags.sink, "sink", "", "where readings go: http or broker")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applySimulateFlags(cmd, &cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, closeSink, err := newSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	fleet, err := simulator.NewFleet(simulator.NewGenerator(cfg.Simulator, nil), sink, cfg.Simulator.Interval())
	if err != nil {
		return err
	}

	devices := simulator.NewDevices(cfg.Simulator.DeviceCount, cfg.Simulator.DevicesPerPlant)
	for _, d := range devices {
		if err := fleet.Add(d); err != nil {
			return err
		}
	}

	log.Info().
		Str("server", cfg.Simulator.ServerURL).
		Str("endpoint", cfg.Simulator.Endpoint).
		Str("sink", cfg.Simulator.Sink).
		Int("devices", len(devices)).
		Dur("interval", cfg.Simulator.Interval()).
		Bool("faults", cfg.Simulator.EnableFaults).
		Msg("Starting solar simulator")
	if cfg.Simulator.MultiPlant {
		log.Info().Str("plants", strings.Join(simulator.PlantIDs(devices), ", ")).Msg("Multi-plant mode")
	}

	fleet.Start(ctx)
	<-ctx.Done()
	log.Info().Msg("Simulator stopped by user")

	return fleet.Stop()
}

// applySimulateFlags lets explicit flags override the loaded configuration.
func applySimulateFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("multi") {
		cfg.Simulator.MultiPlant = simulateFlags.multi
	}
	if f.Changed("debug") {
		cfg.Simulator.Debug = simulateFlags.debug
	}
	if f.Changed("server") {
		cfg.Simulator.ServerURL = simulateFlags.server
	}
	if f.Changed("devices") {
		cfg.Simulator.DeviceCount = simulateFlags.devices
	}
	if f.Changed("interval") {
		cfg.Simulator.IntervalMS = simulateFlags.interval
	}
	if f.Changed("sink") {
		cfg.Simulator.Sink = simulateFlags.sink
	}
	if cfg.Simulator.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return cfg.Validate()
}

func newSink(cfg config.Config) (simulator.Sink, func(), error) {
	if cfg.Simulator.Sink != "broker" {
		return simulator.NewHTTPSink(cfg.Simulator.ServerURL, cfg.Simulator.Endpoint), func() {}, nil
	}

	mb, err := newBroker(cfg)
	if err != nil {
		return nil, nil, err
	}
	if mb == nil {
		return nil, nil, errors.New("broker sink needs redis or nats enabled")
	}
	closeBroker := func() {
		if err := mb.Close(); err != nil {
			log.Error().Err(err).Msg("Broker closure error")
		}
	}
	return simulator.NewBrokerSink(mb, cfg.Relay.IngestChannel), closeBroker, nil
}
