// Command s2p-mobile is a terminal stand-in for the phone app: it scans
// for, pairs with, and stays connected to one s2p-desktopd, then reads
// lines from stdin and streams them over as dictation, either as
// incremental WORD deltas via the dedup pipeline or, prefixed with a
// colon, as one-shot COMMAND codes.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/speech2prompt/s2p/internal/central"
	"github.com/speech2prompt/s2p/internal/config"
	"github.com/speech2prompt/s2p/internal/credentials"
	"github.com/speech2prompt/s2p/internal/gatt"
	"github.com/speech2prompt/s2p/internal/session"
	"github.com/speech2prompt/s2p/internal/transport"
)

func main() {
	var (
		configPath string
		useLoop    bool
	)

	root := &cobra.Command{
		Use:   "s2p-mobile",
		Short: "Speech2Prompt mobile-role CLI: scan, pair, and stream dictation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, useLoop)
		},
	}
	root.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config.yaml")
	root.Flags().BoolVar(&useLoop, "loopback", false, "use the in-memory loopback transport instead of a real BLE radio (demo/dev)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "s2p-mobile:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, useLoop bool) error {
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

	var adapter transport.Adapter
	if useLoop {
		adapter, _ = transport.NewLoopbackPair(transport.LoopbackConfig{MTU: cfg.BLE.MTU})
	} else {
		adapter = transport.NewBluetoothAdapter()
	}

	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	scanCtx, scanCancel := context.WithTimeout(ctx, 5*time.Second)
	devices, err := adapter.Scan(scanCtx, gatt.ServiceUUID)
	scanCancel()
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no speech2prompt desktop found advertising %s", gatt.ServiceUUID)
	}
	target := devices[0]
	slog.Info("mobile: found desktop", "name", target.Name, "address", target.Address, "rssi", target.RSSI)

	opts := central.DefaultOptions()
	opts.DeviceID = deviceID
	opts.DeviceName = cfg.DeviceName
	opts.PairingMode = cfg.Pairing.Mode
	opts.PIN = cfg.Pairing.PIN
	opts.ReconnectMax = cfg.BLE.ReconnectMax
	opts.ReconnectBase = cfg.BLE.ReconnectBase
	opts.HeartbeatEvery = cfg.BLE.HeartbeatEvery
	opts.HeartbeatMiss = cfg.BLE.HeartbeatMiss
	opts.Session = session.DefaultOptions()
	opts.Session.MTU = cfg.BLE.MTU
	opts.Session.QueueSize = cfg.BLE.QueueSize
	opts.Session.AckTimeout = cfg.BLE.AckTimeout

	client := central.New(adapter, target.Address, store, nil, opts)
	defer client.Close()
	client.OnStateChange(func(s central.State) {
		slog.Info("mobile: state change", "state", s.String())
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, opts.PairTimeout+5*time.Second)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	slog.Info("mobile: paired and connected", "address", target.Address)

	fmt.Println("Type a line of text and press enter to send it as dictation.")
	fmt.Println("Prefix with ':' for a command, e.g. :ENTER, :SELECT_ALL, :COPY, :PASTE, :CUT, :CANCEL")
	fmt.Println("Ctrl-D or Ctrl-C to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			if err := sendCommand(ctx, client, strings.TrimPrefix(line, ":")); err != nil {
				slog.Warn("mobile: send command failed", "error", err)
			}
			continue
		}
		client.Deduper().OnFinal(line)
	}

	return nil
}

func sendCommand(ctx context.Context, client *central.Client, code string) error {
	payload, err := json.Marshal(struct {
		Code string `json:"code"`
	}{Code: code})
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.SendCommand(sendCtx, string(payload))
}
