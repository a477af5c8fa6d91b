// Package main runs the NFC bridge: a single-client WebSocket server that
// exposes an NFC radio through the tag-session methods.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/nedpals/nfc-bridge/buildinfo"
	"github.com/nedpals/nfc-bridge/config"
	"github.com/nedpals/nfc-bridge/internal/logging"
)

var (
	// CLI flags
	configFlag     string
	portFlag       int
	driverFlag     string
	devicePathFlag string
	apiSecretFlag  string
	debugFlag      bool
	versionFlag    bool
)

func main() {
	flag.StringVar(&configFlag, "config", "", "Path to the config file (default: user config dir)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&driverFlag, "driver", "", "Radio driver: libnfc, pcsc or simulated (overrides config)")
	flag.StringVar(&devicePathFlag, "device", "", "Path to NFC device or PC/SC reader name (overrides config)")
	flag.StringVar(&apiSecretFlag, "api-secret", "", "Secret clients must present to connect (overrides config)")
	flag.BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	flag.BoolVar(&versionFlag, "version", false, "Print version and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	if err := run(); err != nil {
		log.Error().Err(err).Msg("nfc bridge exited")
		os.Exit(1)
	}
}

func run() error {
	path := configFlag
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	cfg, err := config.Load(afero.NewOsFs(), path, config.Defaults)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Update(applyFlags); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	vals := cfg.Values()

	closer := logging.Setup(logging.Options{
		Level: vals.Log.Level,
		File:  vals.Log.File,
	})
	defer closer.Close()

	log.Info().
		Str("version", buildinfo.FullVersion()).
		Bool("dev", buildinfo.IsDev()).
		Str("config", cfg.Path()).
		Msg("starting " + buildinfo.DisplayName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := NewAgent(vals, AgentOptions{ConfigDir: filepath.Dir(cfg.Path())})
	if err != nil {
		return err
	}
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func applyFlags(v *config.Values) {
	if portFlag != 0 {
		v.Server.Port = portFlag
	}
	if driverFlag != "" {
		v.Radio.Driver = driverFlag
	}
	if devicePathFlag != "" {
		v.Radio.Device = devicePathFlag
	}
	if apiSecretFlag != "" {
		v.Server.APISecret = apiSecretFlag
	}
	if debugFlag {
		v.Log.Level = "debug"
	}
}
