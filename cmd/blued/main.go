// Command blued is the Bluetooth host daemon: it owns adapter and device
// state, serializes commands toward the native link engine, and exposes a
// management API for user interfaces and system services.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/internal/adapter"
	"github.com/blued-org/blued/internal/api"
	"github.com/blued-org/blued/internal/auth"
	"github.com/blued-org/blued/internal/bridge"
	"github.com/blued-org/blued/internal/cmdq"
	"github.com/blued-org/blued/internal/config"
	"github.com/blued-org/blued/internal/events"
	"github.com/blued-org/blued/internal/registry"
	"github.com/blued-org/blued/internal/router"
	"github.com/blued-org/blued/internal/session"
	"github.com/blued-org/blued/internal/storage"
	"github.com/blued-org/blued/pkg/bthost"
	"github.com/blued-org/blued/pkg/hal/sim"
)

func main() {
	var (
		configFile string
		validate   bool
		simulate   bool
	)
	flag.StringVar(&configFile, "config", "", "configuration file path")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&simulate, "simulate", false, "use the simulated engine and in-memory storage")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	if validate {
		log.Info().Str("config", configFile).Msg("configuration valid")
		return
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	store := openStore(cfg, simulate)
	defer store.Close()

	engine := sim.New(50 * time.Millisecond)
	defer engine.Close()
	if !simulate {
		log.Warn().Msg("no native engine binding on this build, using the simulated engine")
	}

	hub := events.NewHub()
	queue := cmdq.New(engine,
		cmdq.WithTimeout(cfg.Adapter.CommandTimeout),
		cmdq.WithBacklogDepth(cfg.Adapter.BacklogDepth),
	)
	reg := registry.New(store, hub)

	var adapterOpts []adapter.Option
	adapterOpts = append(adapterOpts, adapter.WithTransitionTimeout(cfg.Adapter.TransitionTimeout))
	if cfg.Adapter.Address != "" {
		addr, err := bthost.ParseAddress(cfg.Adapter.Address)
		if err != nil {
			log.Fatal().Err(err).Msg("adapter.address invalid")
		}
		adapterOpts = append(adapterOpts, adapter.WithIdentity(addr, cfg.Adapter.Name))
	}
	machine := adapter.New(queue, reg, hub, adapterOpts...)
	sessions := session.NewManager(queue, reg, machine, hub,
		session.WithRetryLimit(cfg.Adapter.RetryLimit),
	)
	machine.SetSessionCanceller(sessions)

	// Registry before adapter before session manager: a disconnect reaches
	// the registry first, sessions last.
	rt := router.New(engine, queue)
	rt.Subscribe(reg)
	rt.Subscribe(machine)
	rt.Subscribe(router.SubscriberFunc(sessions.HandleNative))

	if cfg.NATS.URL != "" {
		publisher, err := bridge.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("event bridge unavailable, continuing without it")
		} else {
			defer publisher.Close()
			hub.Subscribe(publisher)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("callback router stopped")
		}
	}()

	if cfg.Adapter.PowerOnBoot {
		if err := machine.SetPower(ctx, true); err != nil {
			log.Error().Err(err).Msg("adapter power on at boot failed")
		}
	}

	jwt := auth.NewJWTManager(cfg.JWT)
	server := api.NewServer(cfg.API, machine, sessions, reg, hub, jwt)
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.API.Listen).Msg("management API listening")
		serverErr <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Stringer("signal", s).Msg("shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("management API failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("management API shutdown failed")
	}
	if machine.State() == bthost.PowerOn {
		if err := machine.SetPower(shutdownCtx, false); err != nil {
			log.Warn().Err(err).Msg("adapter power off at shutdown failed")
		}
	}
	cancel()
	<-routerDone
	queue.Close()
	log.Info().Msg("stopped")
}

func openStore(cfg *config.Config, simulate bool) storage.Store {
	if simulate || cfg.Database.DSN == "" {
		log.Info().Msg("using in-memory bond storage")
		return storage.NewMemoryStore()
	}
	store, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	log.Info().Msg("connected to database")
	return store
}
