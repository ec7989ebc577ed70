// Command edgemq-bridge runs one or more bridge pumps against a local
// broker, reloading its configuration on SIGHUP so bridge rules can
// change without dropping the spool (spec.md §4.6 "Bridge pipeline").
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/golang-io/edgemq/bridge"
	"github.com/golang-io/edgemq/config"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	configPath := flag.String("config", "./config/bridge.json", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("edgemq-bridge: failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := bridge.NewController()
	ctrl.Reconcile(ctx, cfg.Bridges)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for s := range sig {
		if s == syscall.SIGHUP {
			log.Info("edgemq-bridge: reloading configuration")
			if cfg, err = config.Load(*configPath); err != nil {
				log.WithError(err).Error("edgemq-bridge: reload failed, keeping running bridges")
				continue
			}
			ctrl.Reconcile(ctx, cfg.Bridges)
			continue
		}
		log.Infof("edgemq-bridge: received %s, shutting down", s)
		ctrl.Stop()
		cancel()
		return
	}
}
