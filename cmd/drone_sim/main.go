package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"DroneLink/config"
	"DroneLink/internal/logger"
	"DroneLink/internal/simulator"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (optional)")
	listen := flag.String("listen", "", "TCP listen address (overrides config)")
	logLevel := flag.String("log", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger.SetLevelFromString(*logLevel)

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Simulator.Listen = *listen
	}

	sim := simulator.New(simulator.Config{
		Listen:         cfg.Simulator.Listen,
		SystemID:       uint8(cfg.Simulator.SystemID),
		ClimbRate:      cfg.Simulator.ClimbRate,
		BatteryVoltage: cfg.Simulator.BatteryVoltage,
	})
	if err := sim.Start(); err != nil {
		logger.Fatal("Failed to start simulator: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("[SHUTDOWN] Stopping simulator...")
	sim.Stop()
}
