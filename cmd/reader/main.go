package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"tuition/internal/apiclient"
	"tuition/internal/cardreader"
	"tuition/internal/clock"
	"tuition/internal/config"
	"tuition/internal/logging"
)

// Reader agent: sits in front of a keyboard-wedge NFC reader, reassembles
// card ids from keystrokes and submits them to the attendance API.
func main() {
	cfg := config.Load()

	apiURL := pflag.String("api", "http://localhost:"+cfg.HTTPPort, "attendance API base URL")
	deviceID := pflag.String("device-id", cardreader.KeyboardDeviceID, "device id to register as")
	deviceName := pflag.String("device-name", "Keyboard NFC Reader", "human readable device name")
	location := pflag.String("location", "", "center the reader is installed at")
	timeout := pflag.Duration("timeout", 10*time.Second, "per request timeout")
	pflag.Parse()

	// In raw mode the terminal owns stdout; keep logs on stderr.
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if *location == "" {
		fmt.Fprintln(os.Stderr, "--location is required")
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	client := apiclient.New(*apiURL, *timeout)
	if err := client.Health(ctx); err != nil {
		logger.Warn("attendance api not reachable yet", "error", err)
	}
	if _, err := client.Register(ctx, apiclient.Registration{
		DeviceID:   *deviceID,
		DeviceName: *deviceName,
		DeviceType: string(cardreader.Keyboard),
		Location:   *location,
	}); err != nil {
		logger.Error("device registration failed", "error", err)
		os.Exit(1)
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			logger.Error("raw mode failed", "error", err)
			os.Exit(1)
		}
		defer func() { _ = term.Restore(fd, state) }()
	}

	wedge := cardreader.NewWedge(clock.Real(), *deviceName, *location)
	scans := wedge.Run(ctx, readKeys(os.Stdin, cancel))
	logger.Info("reader started, waiting for cards", "device", *deviceID, "location", *location)

	for ev := range scans {
		res, err := client.SubmitScan(ctx, apiclient.Scan{
			RawID:      ev.RawID,
			DeviceID:   *deviceID,
			DeviceName: ev.DeviceName,
			Location:   ev.Location,
		})
		switch {
		case err == nil:
			logger.Info("scan accepted", "uid", ev.RawID, "record", res.Data.ID, "direction", res.Data.Direction, "message", res.Message)
		case apiclient.IsRejection(err):
			logger.Warn("scan rejected", "uid", ev.RawID, "error", err)
		default:
			// Nothing is queued locally; the card has to be tapped again.
			logger.Error("scan not submitted", "uid", ev.RawID, "error", err)
		}
	}

	logger.Info("reader stopped")
}
