package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/broadcast"
	"github.com/nikhilrajpk/snapfy-rtc/internal/call"
	"github.com/nikhilrajpk/snapfy-rtc/internal/channel"
	"github.com/nikhilrajpk/snapfy-rtc/internal/config"
	"github.com/nikhilrajpk/snapfy-rtc/internal/core"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
	"github.com/nikhilrajpk/snapfy-rtc/internal/httpapi"
	"github.com/nikhilrajpk/snapfy-rtc/internal/media"
	"github.com/nikhilrajpk/snapfy-rtc/internal/restapi"
	"github.com/nikhilrajpk/snapfy-rtc/internal/rtc"
	sig "github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	user, err := domain.NewUser(cfg.Username)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid username in config")
	}
	self := *user
	if cfg.UserID != "" {
		self.ID = domain.UserID(cfg.UserID)
	}

	api := restapi.NewClient(cfg.APIBaseURL, cfg.AccessToken)

	engine, err := media.NewEngine()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build media engine")
	}
	webrtcCfg := rtc.DefaultConfig(cfg.STUNServers)
	factory := core.MediaFactory(func(recvOnly bool) (core.MediaConnection, error) {
		if recvOnly {
			// Receive-only connections need no capture codecs.
			return rtc.New(nil, webrtcCfg, true)
		}
		return rtc.New(engine.API, webrtcCfg, false)
	})

	mgr := channel.NewManager(channel.Config{
		URL:              cfg.SignalURL,
		Token:            cfg.AccessToken,
		DialTimeout:      cfg.DialTimeout,
		PingPeriod:       cfg.PingPeriod,
		PongTimeout:      cfg.PongTimeout,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectCeiling: cfg.ReconnectCeiling,
		ReconnectMax:     cfg.ReconnectMax,
	})

	callCtrl := call.NewController(self, mgr, engine.Acquire, factory, api)
	host := broadcast.NewHost(self, mgr, engine.Acquire, factory, api)
	viewer := broadcast.NewViewer(self, mgr, mgr, factory, api)
	viewer.SetJoinWait(cfg.JoinWaitTimeout)

	mgr.SetReconnectGate(callCtrl.Engaged)
	mgr.OnTerminal(func(err error) {
		log.Error().Err(err).Msg("control channel is gone, shutting down")
		cancel()
	})

	mgr.Route("call", []string{
		sig.TypeCallOffer, sig.TypeCallAnswer, sig.TypeICECandidate, sig.TypeCallEnded,
	}, callCtrl.HandleSignal)
	mgr.Route("broadcast", []string{
		sig.TypeJoinStream, sig.TypeLeaveStream, sig.TypeWebRTCOffer, sig.TypeWebRTCAnswer,
		sig.TypeWebRTCICECandidate, sig.TypeViewerUpdate, sig.TypeChatMessage, sig.TypeStreamEnded,
	}, func(env *sig.Envelope) {
		if host.Active() {
			host.HandleSignal(env)
			return
		}
		viewer.HandleSignal(env)
	})
	mgr.RouteDefault(func(env *sig.Envelope) {
		log.Debug().Str("type", env.Type).Msg("pass-through signal")
	})

	callCtrl.OnIncoming(func(inc call.Incoming) {
		log.Info().Str("call_id", string(inc.CallID)).Str("from", inc.Caller.Username).Str("kind", string(inc.Kind)).Msg("ringing")
	})

	mgr.Connect(ctx)

	r := httpapi.SetupRouter(cfg.Mode, httpapi.Deps{
		Channel: mgr,
		Call:    callCtrl,
		Host:    host,
		Viewer:  viewer,
	})
	addr := fmt.Sprintf(":%d", cfg.ControlPort)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info().Str("addr", addr).Msg("snapfy-rtc client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("control server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	callCtrl.Hangup()
	if host.Active() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		_ = host.End(shutdownCtx)
		c()
	}
	if viewer.Watching() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		_ = viewer.Leave(shutdownCtx)
		c()
	}
	mgr.Close(1000, "client shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control server forced to shutdown")
	}
	log.Info().Msg("client exited gracefully")
}
