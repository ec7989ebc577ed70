// Command edgemq-broker runs the MQTT broker: TCP, TLS, and WebSocket
// listeners in front of a single Broker instance, plus a metrics
// sidecar (spec.md §2, §6).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/golang-io/edgemq"
	"github.com/golang-io/edgemq/auth"
	"github.com/golang-io/edgemq/bridge"
	"github.com/golang-io/edgemq/broker"
	"github.com/golang-io/edgemq/config"
	"github.com/golang-io/edgemq/store"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	configPath := flag.String("config", "./config/broker.json", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Warn("edgemq-broker: using defaults, failed to load config")
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeCtrl := bridge.NewController()
	bridgeCtrl.Reconcile(ctx, cfg.Bridges)

	dyn := auth.NewDynamic(buildAuthorizer(cfg.Auth))

	b := broker.New(
		broker.WithAuthenticator(buildAuthenticator(cfg.Auth)),
		broker.WithAuthorizer(dyn),
		broker.WithStore(buildStore(cfg.Persist)),
		broker.WithRetained(time.Duration(cfg.Retained.ExpirationSeconds)*time.Second, cfg.Retained.MaxCount),
		broker.WithCommandHandler(dyn, bridgeCtrl, cfg.Delivery.Pattern),
	)
	if cfg.SessionExpirySeconds > 0 {
		broker.SessionExpiry = time.Duration(cfg.SessionExpirySeconds) * time.Second
	}

	srv := edgemq.NewServer(ctx, b)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if cfg.MQTT.URL == "" {
			return nil
		}
		return srv.ListenAndServe(cfg.MQTT.URL)
	})
	group.Go(func() error {
		if cfg.MQTTS.URL == "" {
			return nil
		}
		return srv.ListenAndServeTLS(cfg.MQTTS.URL, cfg.MQTTS.CertFile, cfg.MQTTS.KeyFile)
	})
	group.Go(func() error {
		if cfg.WebSocket.URL == "" {
			return nil
		}
		return srv.ListenAndServeWebsocket(cfg.WebSocket.URL)
	})
	group.Go(func() error {
		if cfg.System.URL == "" {
			return nil
		}
		return srv.ListenAndServe(cfg.System.URL)
	})
	group.Go(func() error {
		if !cfg.Metrics.Enabled {
			return nil
		}
		return edgemq.ServeMetrics(gctx, cfg.Metrics.URL)
	})
	group.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case <-gctx.Done():
			return gctx.Err()
		case s := <-sig:
			log.Infof("edgemq-broker: received %s, shutting down", s)
			return srv.Shutdown(context.Background())
		}
	})

	if err := group.Wait(); err != nil {
		log.WithError(err).Fatal("edgemq-broker: exiting")
	}
}

func buildAuthenticator(cfg config.Auth) auth.Authenticator {
	switch cfg.Mode {
	case "static":
		return auth.NewStatic(cfg.Static)
	case "remote":
		return auth.NewRemote(cfg.Remote)
	default:
		return auth.AllowAll{}
	}
}

func buildAuthorizer(cfg config.Auth) auth.Authorizer {
	switch cfg.Mode {
	case "static":
		return auth.StaticAuthorizer{}
	case "remote":
		return auth.NewRemote(cfg.Remote)
	default:
		return auth.AllowAll{}
	}
}

func buildStore(cfg config.Persistence) store.SessionStore {
	if !cfg.Enabled || cfg.Path == "" {
		return store.NullStore{}
	}
	return store.NewFileStore(cfg.Path)
}
