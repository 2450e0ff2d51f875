package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/nxosc/internal/config"
	"github.com/srg/nxosc/internal/device"
	"github.com/srg/nxosc/internal/oscout"
	"github.com/srg/nxosc/internal/tracker"
	"github.com/srg/nxosc/internal/ui"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream tracker orientation to OSC",
	Long: `Connect to the tracker and republish its orientation stream as
/quat OSC messages over UDP.

Without --address the tracker is located by a scan for its advertised
name. An interactive status view is shown unless --headless is given;
press 's' to start/stop the stream, 'r' to recenter, 'q' to quit.`,
	RunE: runStream,
}

var (
	streamAddress  string
	streamName     string
	streamRate     int
	streamOSCHost  string
	streamOSCPort  int
	streamOSCAddr  string
	streamHeadless bool
)

func init() {
	streamCmd.Flags().StringVarP(&streamAddress, "address", "a", "", "Tracker address (skips scanning)")
	streamCmd.Flags().StringVarP(&streamName, "name", "n", "", "Advertised tracker name to scan for")
	streamCmd.Flags().IntVarP(&streamRate, "rate", "r", 0, "Sample rate byte (1-255, 255 = max)")
	streamCmd.Flags().StringVar(&streamOSCHost, "osc-host", "", "OSC target host")
	streamCmd.Flags().IntVar(&streamOSCPort, "osc-port", 0, "OSC target port")
	streamCmd.Flags().StringVar(&streamOSCAddr, "osc-address", "", "OSC address pattern")
	streamCmd.Flags().BoolVar(&streamHeadless, "headless", false, "Run without the interactive status view")
}

// streamConfig merges the config file with command-line overrides.
func streamConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	if streamAddress != "" {
		cfg.Device.Address = streamAddress
	}
	if streamName != "" {
		cfg.Device.Name = streamName
	}
	if streamRate != 0 {
		cfg.Stream.Rate = streamRate
	}
	if streamOSCHost != "" {
		cfg.OSC.Host = streamOSCHost
	}
	if streamOSCPort != 0 {
		cfg.OSC.Port = streamOSCPort
	}
	if streamOSCAddr != "" {
		cfg.OSC.Address = streamOSCAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := streamConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg.LogLevel, logrus.PanicLevel)
	if err != nil {
		return err
	}
	if !streamHeadless {
		// Log lines would corrupt the status view
		logger.SetOutput(io.Discard)
	}

	cmd.SilenceUsage = true

	dev, err := locateTracker(cfg, logger)
	if err != nil {
		return err
	}

	session := tracker.NewSession(dev, &tracker.SessionOptions{
		ConnectTimeout: cfg.Stream.ConnectTimeout.Std(),
		Logger:         logger,
	})
	defer session.Shutdown()

	oscTarget := fmt.Sprintf("%s:%d", cfg.OSC.Host, cfg.OSC.Port)
	oscSink := oscout.New(cfg.OSC.Host, cfg.OSC.Port, cfg.OSC.Address, logger)

	if streamHeadless {
		return runHeadless(session, oscSink, cfg, logger)
	}
	return runInteractive(session, oscSink, dev, oscTarget, byte(cfg.Stream.Rate))
}

func runHeadless(session *tracker.Session, oscSink *oscout.Sink, cfg *config.Config, logger *logrus.Logger) error {
	session.OnOrientation(oscSink.SendOrientation)
	session.OnBattery(func(level int) {
		logger.WithField("level", level).Info("Battery level")
	})

	disconnected := make(chan struct{}, 1)
	session.OnDisconnect(func() {
		disconnected <- struct{}{}
	})

	if err := session.Start(byte(cfg.Stream.Rate)); err != nil {
		return err
	}
	fmt.Printf("Streaming to %s:%d, press Ctrl+C to stop\n", cfg.OSC.Host, cfg.OSC.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		fmt.Println("\nStopping...")
		return session.Shutdown()
	case <-disconnected:
		_ = session.Shutdown()
		return ErrConnectionLost
	}
}

func runInteractive(session *tracker.Session, oscSink *oscout.Sink, dev device.Device, oscTarget string, rate byte) error {
	model := ui.NewModel(session, deviceLabel(dev), oscTarget, rate)
	program := tea.NewProgram(model)

	// UI first, OSC second: a sample reaches the view before the network.
	// The stream itself is started by the model's Init command once the
	// event loop is live.
	bridge := ui.NewBridge(program)
	session.OnOrientation(bridge.Orientation)
	session.OnOrientation(oscSink.SendOrientation)
	session.OnBattery(bridge.Battery)
	session.OnDisconnect(bridge.Disconnected)

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("terminal UI failed: %w", err)
	}
	return session.Shutdown()
}

func deviceLabel(dev device.Device) string {
	if name := dev.Name(); name != "" {
		return name
	}
	return dev.Address()
}
