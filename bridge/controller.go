package bridge

import (
	"context"
	"reflect"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/golang-io/edgemq/config"
)

// Controller runs a set of bridges and lets the set be replaced at
// runtime as configuration changes, without disturbing bridges whose
// configuration hasn't changed (spec.md §4.6 "dynamic reconfiguration").
type Controller struct {
	mu      sync.Mutex
	cancel  map[string]context.CancelFunc
	configs map[string]config.Bridge
}

// NewController returns an empty Controller.
func NewController() *Controller {
	return &Controller{
		cancel:  make(map[string]context.CancelFunc),
		configs: make(map[string]config.Bridge),
	}
}

// Reconcile starts bridges present in cfgs but not yet running, stops
// bridges no longer present, and restarts any whose configuration
// changed. ctx is the parent lifetime for every bridge goroutine this
// call starts.
func (c *Controller) Reconcile(ctx context.Context, cfgs []config.Bridge) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := make(map[string]config.Bridge, len(cfgs))
	for _, cfg := range cfgs {
		wanted[cfg.Name] = cfg
	}

	for name, cancel := range c.cancel {
		if _, ok := wanted[name]; !ok {
			log.WithField("bridge", name).Info("bridge: removing")
			cancel()
			delete(c.cancel, name)
			delete(c.configs, name)
		}
	}

	for name, cfg := range wanted {
		if prev, running := c.configs[name]; running && reflect.DeepEqual(prev, cfg) {
			continue
		}
		if cancel, running := c.cancel[name]; running {
			log.WithField("bridge", name).Info("bridge: restarting with updated configuration")
			cancel()
		}
		c.start(ctx, cfg)
	}
}

func (c *Controller) start(ctx context.Context, cfg config.Bridge) {
	b, err := New(cfg)
	if err != nil {
		log.WithField("bridge", cfg.Name).WithError(err).Error("bridge: failed to build, skipping")
		return
	}
	bctx, cancel := context.WithCancel(ctx)
	c.cancel[cfg.Name] = cancel
	c.configs[cfg.Name] = cfg

	go func() {
		if err := b.Run(bctx); err != nil && bctx.Err() == nil {
			log.WithField("bridge", cfg.Name).WithError(err).Error("bridge: exited")
		}
	}()
}

// Stop cancels every running bridge.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, cancel := range c.cancel {
		cancel()
		delete(c.cancel, name)
		delete(c.configs, name)
	}
}
