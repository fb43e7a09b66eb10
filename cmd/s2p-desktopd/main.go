// Command s2p-desktopd runs the desktop-side Speech2Prompt daemon: it
// advertises the fixed GATT service, accepts exactly one paired phone,
// and types whatever text and commands arrive over the link.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/speech2prompt/s2p/internal/config"
	"github.com/speech2prompt/s2p/internal/credentials"
	"github.com/speech2prompt/s2p/internal/gatt"
	"github.com/speech2prompt/s2p/internal/inject"
	"github.com/speech2prompt/s2p/internal/metrics"
	"github.com/speech2prompt/s2p/internal/pairing"
	"github.com/speech2prompt/s2p/internal/peripheralble"
	"github.com/speech2prompt/s2p/internal/session"
	"github.com/speech2prompt/s2p/internal/transport"
)

func main() {
	var (
		configPath  string
		useLoop     bool
		metricsAddr string
	)

	root := &cobra.Command{
		Use:   "s2p-desktopd",
		Short: "Speech2Prompt desktop daemon: advertise, pair, and type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath, useLoop, metricsAddr)
		},
	}
	root.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config.yaml")
	root.Flags().BoolVar(&useLoop, "loopback", false, "use the in-memory loopback transport instead of a real BLE radio (demo/dev)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "write a default config.yaml if one does not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Println("config already exists, left untouched")
				return nil
			}
			fmt.Printf("wrote default config to %s\n", path)
			return nil
		},
	}
	root.AddCommand(initCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "s2p-desktopd:", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, configPath string, useLoop bool, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	deviceID := cfg.DeviceName
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	wrapKeyPath := filepath.Join(config.DefaultDataDir(), "wrap.key")
	wrapKey, err := credentials.LoadOrCreateWrappingKey(wrapKeyPath)
	if err != nil {
		return err
	}
	store, err := credentials.NewFileStore(cfg.Pairing.CredentialDB, wrapKey)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	injector := inject.NewEventProcessor(inject.RobotgoInjector{}, 0)
	injector.SetEnabled(cfg.Inject.Enabled)

	var gate pairing.ConfirmationGate = pairing.AutoApprove{}
	if !cfg.Pairing.AutoApprove {
		gate = terminalGate{}
	}

	var peripheralAdapter transport.PeripheralAdapter
	if useLoop {
		_, peripheralAdapter = transport.NewLoopbackPair(transport.LoopbackConfig{MTU: cfg.BLE.MTU})
	} else {
		peripheralAdapter = transport.NewBluetoothPeripheralAdapter()
	}

	opts := peripheralble.DefaultOptions()
	opts.DeviceID = deviceID
	opts.DeviceName = cfg.DeviceName
	opts.PairingMode = cfg.Pairing.Mode
	opts.PIN = cfg.Pairing.PIN
	opts.AutoApprove = cfg.Pairing.AutoApprove
	opts.Session = session.DefaultOptions()
	opts.Session.MTU = cfg.BLE.MTU
	opts.Session.QueueSize = cfg.BLE.QueueSize
	opts.Session.AckTimeout = cfg.BLE.AckTimeout

	srv := peripheralble.New(peripheralAdapter, store, injector, gate, opts)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("desktopd: metrics server failed", "error", err)
		}
	}()
	defer httpSrv.Shutdown(context.Background())

	slog.Info("desktopd: advertising", "device_id", deviceID, "service_uuid", gatt.ServiceUUID, "pairing_mode", cfg.Pairing.Mode)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// terminalGate prompts on stdin/stdout for unknown-peer pairing
// approval, the interactive counterpart to pairing.AutoApprove.
type terminalGate struct{}

func (terminalGate) Approve(req pairing.Request) bool {
	fmt.Printf("Pairing request from %q (device_id=%s). Approve? [y/N] ", req.DeviceName, req.DeviceID)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch line {
	case "y\n", "Y\n", "yes\n":
		return true
	default:
		return false
	}
}
