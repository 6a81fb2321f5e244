package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coldsign-io/coldsign/cmd/coldsign/config"
	"github.com/coldsign-io/coldsign/discovery"
	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/pairstore"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// app carries everything the subcommands share.
type app struct {
	cfg *config.Config
	log *zap.SugaredLogger

	configPath string
	device     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}

	root := &cobra.Command{
		Use:     "coldsign",
		Short:   "Talk to bitcoin hardware signers over USB, serial and TCP",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&a.device, "device", "", "device selector, kind or kind/fingerprint")

	root.AddCommand(
		newListCmd(a),
		newFingerprintCmd(a),
		newXPubCmd(a),
		newAddressCmd(a),
		newRegisterCmd(a),
		newSignCmd(a),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// scanner builds a discovery scanner from the loaded config.
func (a *app) scanner() (*discovery.Scanner, error) {
	endpoints := make([]discovery.Endpoint, 0, len(a.cfg.TCPEndpoints))
	for _, raw := range a.cfg.TCPEndpoints {
		kind, addr, ok := strings.Cut(raw, "@")
		if !ok {
			return nil, fmt.Errorf("tcp endpoint %q: want kind@host:port", raw)
		}
		endpoints = append(endpoints, discovery.Endpoint{Addr: addr, Kind: hwi.DeviceKind(kind)})
	}
	return discovery.NewScanner(discovery.Config{
		DisableHID:     a.cfg.Transports.DisableHID,
		DisableSerial:  a.cfg.Transports.DisableSerial,
		DisableTCP:     a.cfg.Transports.DisableTCP,
		Allow:          kinds(a.cfg.Allow),
		Deny:           kinds(a.cfg.Deny),
		ScanTimeout:    a.cfg.Timeouts.Scan,
		Timeouts:       hwi.Options{QueryTimeout: a.cfg.Timeouts.Query, ConfirmTimeout: a.cfg.Timeouts.Confirm},
		SerialBaudRate: a.cfg.SerialBaudRate,
		TCPEndpoints:   endpoints,
		PairingStore:   pairstore.Open(a.cfg.PairingStorePath, config.Passphrase()),
		Logger:         a.log,
	}), nil
}

func kinds(names []string) []hwi.DeviceKind {
	out := make([]hwi.DeviceKind, 0, len(names))
	for _, name := range names {
		out = append(out, hwi.DeviceKind(name))
	}
	return out
}

// selectHandle scans and returns the handle the --device selector names,
// closing all the others. With no selector exactly one device must be
// present.
func (a *app) selectHandle(ctx context.Context) (*hwi.Handle, error) {
	scanner, err := a.scanner()
	if err != nil {
		return nil, err
	}
	handles, err := scanner.Scan(ctx)
	if err != nil {
		closeAll(handles)
		return nil, err
	}

	var matches []*hwi.Handle
	for _, h := range handles {
		if a.device == "" || matchesSelector(h, a.device) {
			matches = append(matches, h)
		}
	}
	if len(matches) != 1 {
		closeAll(handles)
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: no device matches %q", hwi.ErrDeviceNotFound, a.device)
		}
		return nil, fmt.Errorf("%d devices match, disambiguate with --device kind/fingerprint", len(matches))
	}

	chosen := matches[0]
	for _, h := range handles {
		if h != chosen {
			h.Close()
		}
	}
	return chosen, nil
}

func matchesSelector(h *hwi.Handle, selector string) bool {
	return selector == string(h.Kind()) || selector == h.ID()
}

func closeAll(handles []*hwi.Handle) {
	for _, h := range handles {
		h.Close()
	}
}
