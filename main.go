package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DroneLink/config"
	"DroneLink/internal/drone"
	"DroneLink/internal/logger"
	"DroneLink/internal/mavlink"
	"DroneLink/internal/session"
	"DroneLink/internal/transport"
	"DroneLink/web"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "config/config.yaml", "Path to configuration file")
	logLevel := flag.String("log", "", "Log level: debug, info, warn, error (overrides config)")
	demo := flag.Bool("demo", false, "Run an arm/takeoff/land/disarm sequence after connecting")
	altitude := flag.Float64("altitude", 10, "Takeoff altitude in metres for -demo")
	flag.Parse()

	// Load configuration
	logger.Info("Loading configuration from %s", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	// Set log level from config or command line
	if *logLevel != "" {
		logger.SetLevelFromString(*logLevel)
	} else {
		logger.SetLevelFromString(cfg.Log.Level)
	}
	if cfg.Log.TimestampFormat != "" {
		logger.SetTimestampFormat(cfg.Log.TimestampFormat)
	}
	logger.Info("Configuration loaded successfully (Log level: %s)", logger.GetLevelString())

	tcp := transport.NewTCP(transport.Endpoint{
		LocalAddress:  cfg.Drone.LocalIP,
		LocalPort:     cfg.Drone.LocalPort,
		RemoteAddress: cfg.Drone.Host,
		RemotePort:    cfg.Drone.Port,
	}, transport.Options{
		DialTimeout:     config.Seconds(cfg.Transport.DialTimeout),
		KeepAlivePeriod: config.Seconds(cfg.Transport.KeepalivePeriod),
		ReadBufferSize:  cfg.Transport.ReadBufferSize,
		WriteBufferSize: cfg.Transport.WriteBufferSize,
		ReconnectDelay:  time.Duration(cfg.Transport.ReconnectDelayMs) * time.Millisecond,
	})

	sess := session.New(tcp, session.Config{
		Source: mavlink.Identity{
			SystemID:    uint8(cfg.Drone.SystemID),
			ComponentID: uint8(cfg.Drone.ComponentID),
		},
		Version:           mavlink.Version(cfg.Drone.MavlinkVersion),
		HeartbeatInterval: config.Seconds(cfg.Session.HeartbeatInterval),
		PollInterval:      time.Duration(cfg.Session.PollIntervalMs) * time.Millisecond,
	})

	ctrl, err := drone.NewController(sess, config.Seconds(cfg.Session.PendingTTL))
	if err != nil {
		logger.Fatal("Failed to create controller: %v", err)
	}

	linkLost := make(chan error, 1)
	sess.OnDisconnect(func(err error) {
		select {
		case linkLost <- err:
		default:
		}
	})

	// Periodic [STATS] line
	stats := logger.NewStatsManager(cfg.Log.StatsInterval)
	acks := stats.RegisterCounter("acks")
	rejected := stats.RegisterCounter("rejected")
	ctrl.OnAck(func(a drone.Ack) {
		acks.Add(1)
		if a.Result != drone.AckAccepted && a.Result != drone.AckInProgress {
			rejected.Add(1)
		}
	})
	stats.Start()

	logger.Info("[STARTUP] Connecting to drone at %s (MAVLink %s)...", cfg.GetAddress(), mavlink.Version(cfg.Drone.MavlinkVersion))
	ctx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Session.ConnectTimeout))
	if err := ctrl.Connect(ctx); err != nil {
		cancel()
		logger.Fatal("[STARTUP] ❌ Connection failed: %v", err)
	}

	logger.Info("[STARTUP] ⏳ Waiting for drone heartbeat... (timeout: %.0fs)", cfg.Session.ConnectTimeout)
	snap, err := ctrl.WaitConnected(ctx)
	cancel()
	if err != nil {
		logger.Warn("[STARTUP] ⚠️  No heartbeat yet: %v (continuing, commands go to system %d)", err, ctrl.Target().SystemID)
	} else {
		logger.Info("[STARTUP] ✅ Drone connected (System ID: %d, Component ID: %d)", snap.Peer.SystemID, snap.Peer.ComponentID)
	}

	var srv *web.Server
	if cfg.Web.Enabled {
		srv = web.NewServer(ctrl, web.Options{
			Port:              cfg.Web.Port,
			AllowedOrigins:    cfg.Web.AllowedOrigins,
			TelemetryInterval: time.Duration(cfg.Web.TelemetryInterval) * time.Millisecond,
		})
		srv.Start()
	}

	// Wait for interrupt signal
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relinkDone := make(chan struct{})
	go func() {
		defer close(relinkDone)
		relink(sigCtx, ctrl, linkLost, config.Seconds(cfg.Session.RelinkInterval))
	}()

	if *demo {
		go func() {
			if err := runDemo(sigCtx, ctrl, float32(*altitude)); err != nil {
				logger.Error("[DEMO] ❌ %v", err)
			}
		}()
	}

	logger.Info("DroneLink running. Press Ctrl+C to stop.")
	<-sigCtx.Done()

	// Graceful shutdown
	logger.Info("[SHUTDOWN] Initiating graceful shutdown...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("[SHUTDOWN] Web server: %v", err)
		}
		cancel()
	}
	<-relinkDone
	ctrl.Disconnect()
	stats.Stop()
	logger.Info("[SHUTDOWN] ✅ Complete (%s)", stats.Summary())
}

// connector restarts a session.
type connector interface {
	Connect(ctx context.Context) error
}

// relink restarts the session every time the link is lost, retrying every
// interval until it comes back or ctx is done.
func relink(ctx context.Context, c connector, lost <-chan error, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			logger.Warn("[RELINK] 🔌 Link lost (%v), restarting session every %s", err, interval)
		}

		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			err := c.Connect(ctx)
			if err == nil || errors.Is(err, session.ErrAlreadyStarted) {
				logger.Info("[RELINK] ✅ Session restarted (attempt %d)", attempt)
				break
			}
			logger.Warn("[RELINK] ⚠️  Attempt %d failed: %v", attempt, err)
		}
	}
}

// runDemo flies a short arm, takeoff, land and disarm sequence.
func runDemo(ctx context.Context, ctrl *drone.Controller, altitude float32) error {
	step := func(name string, send func() (*drone.Pending, error)) error {
		p, err := send()
		if err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		ack, err := p.Wait(waitCtx)
		if err != nil {
			return err
		}
		if ack.Result != drone.AckAccepted {
			return fmt.Errorf("%s rejected: %s", name, ack.Status)
		}
		logger.Info("[DEMO] ✅ %s accepted", name)
		return nil
	}
	wait := func(what string, timeout time.Duration, cond func(drone.Snapshot) bool) error {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, err := ctrl.States().WaitFor(waitCtx, cond)
		if err != nil {
			logger.Warn("[DEMO] ⚠️  %s: %v", what, err)
		}
		return err
	}

	if err := step("ARM", ctrl.Arm); err != nil {
		return err
	}
	if err := wait("armed", 5*time.Second, func(s drone.Snapshot) bool { return s.Armed }); err != nil {
		return err
	}
	if err := step("TAKEOFF", func() (*drone.Pending, error) { return ctrl.Takeoff(altitude) }); err != nil {
		return err
	}
	target := float64(altitude) * 0.95
	_ = wait("climb", 60*time.Second, func(s drone.Snapshot) bool { return s.AltitudeM >= target })
	if err := step("LAND", ctrl.Land); err != nil {
		return err
	}
	_ = wait("touchdown", 120*time.Second, func(s drone.Snapshot) bool { return s.AltitudeM < 0.2 || !s.Armed })
	if ctrl.State().Armed {
		return step("DISARM", ctrl.Disarm)
	}
	logger.Info("[DEMO] ✅ Sequence complete")
	return nil
}
