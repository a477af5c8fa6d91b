package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/nedpals/nfc-bridge/config"
	"github.com/nedpals/nfc-bridge/nfc"
	"github.com/nedpals/nfc-bridge/nfc/libnfc"
	"github.com/nedpals/nfc-bridge/nfc/pcsc"
	"github.com/nedpals/nfc-bridge/nfc/simulated"
	"github.com/nedpals/nfc-bridge/server"
	"github.com/nedpals/nfc-bridge/tls"
)

const availabilityCheckInterval = 5 * time.Second

// Agent ties the radio adapter, the tag session and the server together.
type Agent struct {
	Adapter nfc.Adapter
	Session *nfc.Session
	Server  *server.Server

	clock clockwork.Clock
}

// AgentOptions carries the dependencies of an Agent that do not come from
// the config values.
type AgentOptions struct {
	Clock clockwork.Clock

	// Fs and ConfigDir locate the issued certificates when auto_tls is on.
	Fs        afero.Fs
	ConfigDir string
	Issuer    tls.Issuer
}

// NewAgent builds the adapter of the configured radio driver and the server
// on top of it.
func NewAgent(vals config.Values, opts AgentOptions) (*Agent, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srvConfig := server.Config{
		Addr:         vals.Server.Addr(),
		APISecret:    vals.Server.APISecret,
		LeaseTimeout: vals.Server.LeaseIdle(),
		TLSCert:      vals.Server.TLSCert,
		TLSKey:       vals.Server.TLSKey,
		MDNS:         vals.Server.MDNS,
		Clock:        clock,
	}
	if vals.Server.IssueTLS() {
		fs := opts.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		certs := tls.NewManager(fs, opts.ConfigDir, opts.Issuer)
		cert, key, err := certs.EnsureCertificates()
		if err != nil {
			return nil, fmt.Errorf("issue certificate: %w", err)
		}
		srvConfig.TLSCert, srvConfig.TLSKey = cert, key
		srvConfig.CACert = certs.CACert
	}

	adapter, err := openAdapter(vals.Radio, clock)
	if err != nil {
		return nil, err
	}
	session := nfc.NewSession(adapter, nfc.WithClock(clock))

	srv, err := server.New(srvConfig, session)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}

	return &Agent{
		Adapter: adapter,
		Session: session,
		Server:  srv,
		clock:   clock,
	}, nil
}

func openAdapter(radio config.Radio, clock clockwork.Clock) (nfc.Adapter, error) {
	log.Info().Str("driver", radio.Driver).Str("device", radio.Device).Bool("enabled", radio.Enabled).Msg("opening radio")

	switch radio.Driver {
	case config.DriverLibnfc:
		return libnfc.Open(libnfc.Config{
			Device:       radio.Device,
			Enabled:      radio.Enabled,
			ScanInterval: radio.Interval(),
			Clock:        clock,
		}), nil
	case config.DriverPCSC:
		return pcsc.Open(pcsc.Config{
			Reader:  radio.Device,
			Enabled: radio.Enabled,
			Clock:   clock,
		}), nil
	case config.DriverSimulated:
		tags, err := simulated.TagsFromConfig(radio.Simulated)
		if err != nil {
			return nil, fmt.Errorf("simulated tags: %w", err)
		}
		availability := nfc.Available
		if !radio.Enabled {
			availability = nfc.Disabled
		}
		return simulated.New(simulated.Config{
			Availability: availability,
			Clock:        clock,
			Tags:         tags,
		}), nil
	}
	return nil, fmt.Errorf("unknown radio driver %q", radio.Driver)
}

// Run serves until ctx is done, then closes the adapter.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Server.Run(ctx)
	})
	g.Go(func() error {
		a.watchAvailability(ctx)
		return nil
	})

	err := g.Wait()
	if cerr := a.Adapter.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("failed to close radio")
	}
	log.Info().Msg("agent stopped")
	return err
}

// watchAvailability logs the radio availability whenever it changes.
func (a *Agent) watchAvailability(ctx context.Context) {
	last := a.Adapter.Availability()
	log.Info().Str("availability", string(last)).Msg("radio availability")

	ticker := a.clock.NewTicker(availabilityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if av := a.Adapter.Availability(); av != last {
				log.Warn().Str("from", string(last)).Str("to", string(av)).Msg("radio availability changed")
				last = av
			}
		}
	}
}
