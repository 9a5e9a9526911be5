package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jingcjie/WDCableWUI/app"
	"github.com/jingcjie/WDCableWUI/config"
	"github.com/jingcjie/WDCableWUI/storage"
)

var (
	runAdvertise  bool
	runScan       bool
	runAutoAccept bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device daemon",
	Long: `Run starts the daemon: it advertises this device, scans for peers,
accepts inbound link requests, and brings up the data channels once a
link is established. Events are logged until interrupted.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&runAdvertise, "advertise", true, "advertise this device on the local network")
	runCmd.Flags().BoolVar(&runScan, "scan", true, "scan for nearby devices")
	runCmd.Flags().BoolVar(&runAutoAccept, "auto-accept", true, "accept inbound link requests without prompting")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Channel Ports:   %d/%d/%d\n", cfg.ChatPort, cfg.SpeedTestPort, cfg.FilePort)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("Database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	application, err := app.New(app.Options{
		Config:  cfg,
		Store:   store,
		DataDir: dataDir,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warnf("Shutdown error: %v", err)
		}
	}()

	events, cancel := application.Subscribe(256)
	defer cancel()

	if runAdvertise {
		if err := application.StartAdvertising(); err != nil {
			return fmt.Errorf("start advertising: %w", err)
		}
	}
	if runScan {
		if err := application.StartScanning(); err != nil {
			return fmt.Errorf("start scanning: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")

	console := newEventConsole(logger, runAutoAccept)
	for {
		select {
		case <-ctx.Done():
			console.finishProgress()
			fmt.Println("Status:          shutting down")
			return nil
		case ev := <-events:
			console.handle(ev)
		}
	}
}
