/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flowpeer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Collector receives packets on a UDP socket and processes them one at a time against
// a single Cache. Optionally it serves the diagnostics router and periodically writes the
// peer table to the log.
type Collector struct {
	cfg CollectorConfig

	cache    *Cache
	decoder  *Decoder
	listener *UDPListener
	server   *http.Server

	clock clock.Clock
}

type CollectorOption func(*Collector)

// WithCollectorClock replaces the clock driving the periodic peer dump
func WithCollectorClock(c clock.Clock) CollectorOption {
	return func(col *Collector) {
		col.clock = c
	}
}

// WithGatherer serves metrics from g on the diagnostics endpoint
func WithGatherer(g prometheus.Gatherer) CollectorOption {
	return func(col *Collector) {
		if col.server != nil {
			col.server.Handler = NewRouter(col.cache, g)
		}
	}
}

func NewCollector(cfg CollectorConfig, cache *Cache, opts ...CollectorOption) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Collector{
		cfg:      cfg,
		cache:    cache,
		decoder:  NewDecoder(cache),
		listener: NewUDPListener(cfg.Listen),
		clock:    clock.New(),
	}
	if cfg.HTTP != "" {
		c.server = &http.Server{
			Addr:              cfg.HTTP,
			Handler:           NewRouter(cache, nil),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Collector) Listener() *UDPListener {
	return c.listener
}

// Run blocks until ctx is cancelled or one of the collector's parts fails.
func (c *Collector) Run(ctx context.Context) error {
	logger := FromContext(ctx)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.listener.Listen(ctx)
	})

	g.Go(func() error {
		c.process(ctx)
		return nil
	})

	if c.cfg.DumpInterval > 0 {
		g.Go(func() error {
			ticker := c.clock.Ticker(c.cfg.DumpInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.cache.Dump(ctx)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	if c.server != nil {
		g.Go(func() error {
			logger.Info("Started diagnostics server", "addr", c.server.Addr)
			if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return c.shutdown()
		})
	}

	err := g.Wait()
	c.cache.Dump(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// process is the only consumer of the listener, so packets are resolved strictly in order.
func (c *Collector) process(ctx context.Context) {
	logger := FromContext(ctx)
	for packet := range c.listener.Messages() {
		if _, err := c.decoder.Decode(ctx, packet.Peer, packet.Payload); err != nil {
			logger.V(1).Info("dropped packet", "peer", packet.Peer, "error", err.Error())
		}
	}
}

func (c *Collector) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if serr := c.server.Shutdown(ctx); serr != nil && !errors.Is(serr, net.ErrClosed) {
		err = multierr.Append(err, serr)
		err = multierr.Append(err, c.server.Close())
	}
	return err
}
