package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jingcjie/WDCableWUI/config"
	"github.com/jingcjie/WDCableWUI/link"
)

var devicesWait int

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Scan the local network and list discovered devices",
	RunE:  listDevices,
}

func init() {
	devicesCmd.Flags().IntVar(&devicesWait, "wait", 5, "seconds to scan before printing results")
}

func listDevices(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backend, err := link.NewLANBackend(link.LANOptions{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("start lan backend: %w", err)
	}
	defer func() {
		_ = backend.Close()
	}()

	if err := backend.StartScan(); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Scanning for %d seconds...\n", devicesWait)
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(devicesWait) * time.Second):
	}

	devices := backend.Devices()
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	fmt.Printf("%-24s %-22s %s\n", "NAME", "ADDRESS", "ID")
	for _, device := range devices {
		fmt.Printf("%-24s %-22s %s\n", device.Name, device.Addr, device.ID)
	}
	return nil
}
