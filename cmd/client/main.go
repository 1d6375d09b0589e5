package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/VoiceClient/internal/adapters/http"
	"github.com/dkeye/VoiceClient/internal/adapters/mqtt"
	"github.com/dkeye/VoiceClient/internal/adapters/netwatch"
	"github.com/dkeye/VoiceClient/internal/adapters/pubsub"
	"github.com/dkeye/VoiceClient/internal/adapters/rtc"
	"github.com/dkeye/VoiceClient/internal/adapters/ws"
	"github.com/dkeye/VoiceClient/internal/app/gateway"
	"github.com/dkeye/VoiceClient/internal/app/netmon"
	"github.com/dkeye/VoiceClient/internal/app/orch"
	"github.com/dkeye/VoiceClient/internal/app/retry"
	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("client failed")
	}
	log.Info().Msg("Client exited gracefully")
}

func newTransport(cfg *config.Config) (*pubsub.Client, error) {
	pc := pubsub.Config{
		ClientID:       cfg.Transport.ClientID,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		BackoffInitial: cfg.Transport.BackoffInitial,
		BackoffMax:     cfg.Transport.BackoffMax,
	}
	switch cfg.Transport.Kind {
	case "ws":
		return ws.New(ws.Config{URL: cfg.Transport.URL, PingPeriod: cfg.Transport.PingPeriod, ReadLimit: cfg.Transport.ReadLimit}, pc)
	default:
		return mqtt.New(mqtt.Config{Broker: cfg.Transport.URL, KeepAlive: cfg.Transport.KeepAlive}, pc)
	}
}

func newPeerFactory(cfg *config.Config) *rtc.Factory {
	rc := rtc.Config{PLIInterval: cfg.RTC.PLIInterval, LogLevel: zerolog.WarnLevel}
	if lvl, err := zerolog.ParseLevel(cfg.RTC.LogLevel); err == nil {
		rc.LogLevel = lvl
	}
	for _, s := range cfg.RTC.ICEServers {
		rc.ICEServers = append(rc.ICEServers, rtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return rtc.NewFactory(rc)
}

func run(ctx context.Context, cfg *config.Config) error {
	user, err := domain.NewUser(cfg.User.Name, cfg.User.Token)
	if err != nil {
		return fmt.Errorf("user: %w", err)
	}
	clock := clockwork.NewRealClock()

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()
	if err := tr.Connect(ctx, core.Credentials{Username: cfg.Transport.Username, Password: cfg.Transport.Password}); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	// one status tracker per server, shared by the room and playback sessions
	status := gateway.NewStatus(cfg.Gateway.Server, cfg.Gateway.QoS, tr)
	if err := status.Start(ctx); err != nil {
		return fmt.Errorf("gateway status: %w", err)
	}

	o := &orch.Orchestrator{
		Registry:   orch.NewRegistry(),
		Peers:      newPeerFactory(cfg),
		Limiter:    orch.NewRestartLimiter(cfg.Restarts.Limit, cfg.Restarts.Window, clock),
		Notifier:   orch.LogNotifier{},
		User:       user,
		Clock:      clock,
		ICERestart: retry.Policy{MaxAttempts: cfg.ICERestart.MaxAttempts, Interval: cfg.ICERestart.Interval},
	}

	watcher := netwatch.New(nil, clock, cfg.Monitor.WatchInterval)
	monitor := netmon.New(
		netmon.Config{PollInterval: cfg.Monitor.PollInterval, Ceiling: cfg.Monitor.Ceiling},
		netmon.Deps{Device: watcher, Transport: tr, Exiter: o, Clock: clock},
	)
	monitor.AddListener(o)
	o.Gate = monitor
	o.Network = monitor
	o.Sessions = func(name string, restarter core.RoomRestarter) orch.GatewaySession {
		return gateway.New(gateway.Config{
			Name:                 name,
			Server:               cfg.Gateway.Server,
			Gateway:              cfg.Gateway.Name,
			QoS:                  cfg.Gateway.QoS,
			KeepAlivePeriod:      cfg.Gateway.KeepAlivePeriod,
			KeepAliveTimeout:     cfg.Gateway.KeepAliveTimeout,
			KeepAliveMaxFailures: cfg.Gateway.KeepAliveMaxFailures,
			DestroyTimeout:       cfg.Gateway.DestroyTimeout,
		}, gateway.Deps{Transport: tr, Gate: monitor, Restarter: restarter, Clock: clock, Status: status})
	}

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("monitor start: %w", err)
	}
	defer monitor.Stop()
	go watcher.Run(ctx, monitor.OnNetworkChange)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(cfg, o, user.Username),
	}
	go func() {
		log.Info().Str("addr", addr).Str("client_id", tr.ClientID()).Msg("Voice client started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := o.StopPlayback(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("stop playback")
	}
	if err := o.LeaveRoom(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("leave room")
	}
	return nil
}
