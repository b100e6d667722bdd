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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	flowpeer "github.com/zoomoid/go-flowpeer"
)

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "path to the collector configuration `FILE`",
}

func commands() []cli.Command {
	return []cli.Command{
		{
			Name:  "collect",
			Usage: "Receive NetFlow/IPFIX packets on a UDP socket",
			Flags: []cli.Flag{
				configFlag,
				cli.StringFlag{
					Name:  "listen, l",
					Usage: "UDP `ADDRESS` to receive packets on, overrides the configuration",
				},
				cli.StringFlag{
					Name:  "http",
					Usage: "`ADDRESS` of the diagnostics server, empty to disable, overrides the configuration",
				},
			},
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return cli.NewExitError(err.Error(), 1)
				}
				if c.IsSet("listen") {
					cfg.Listen = c.String("listen")
				}
				if c.IsSet("http") {
					cfg.HTTP = c.String("http")
				}
				if err := collect(cfg); err != nil {
					return cli.NewExitError(err.Error(), 1)
				}
				return nil
			},
		},
		{
			Name:      "replay",
			Usage:     "Feed the UDP payloads of pcap files through the decoder and print the resulting peer table",
			ArgsUsage: "FILE...",
			Flags: []cli.Flag{
				configFlag,
				cli.UintFlag{
					Name:  "port, p",
					Usage: "only replay datagrams sent to `PORT`, 0 for all",
					Value: 2055,
				},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() == 0 {
					return cli.NewExitError("replay needs at least one capture file", 1)
				}
				cfg, err := loadConfig(c)
				if err != nil {
					return cli.NewExitError(err.Error(), 1)
				}
				if err := replay(cfg, uint16(c.Uint("port")), c.Args(), os.Stdout); err != nil {
					return cli.NewExitError(err.Error(), 1)
				}
				return nil
			},
		},
		{
			Name:  "config",
			Usage: "Print the default configuration",
			Action: func(c *cli.Context) error {
				b, err := yaml.Marshal(flowpeer.DefaultCollectorConfig())
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(b)
				return err
			},
		},
	}
}

func loadConfig(c *cli.Context) (*flowpeer.CollectorConfig, error) {
	if path := c.String("config"); path != "" {
		return flowpeer.LoadConfig(path)
	}
	cfg := flowpeer.DefaultCollectorConfig()
	return &cfg, nil
}

func newLogger(cfg flowpeer.LogConfig) (logr.Logger, func(), error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return logr.Discard(), nil, fmt.Errorf("invalid log level, %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	z, err := zc.Build()
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("failed to build logger, %w", err)
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}

func collect(cfg *flowpeer.CollectorConfig) error {
	logger, sync, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer sync()
	flowpeer.SetLogger(logger)

	reg := prometheus.NewRegistry()
	if err := multierr.Combine(
		reg.Register(collectors.NewGoCollector()),
		reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
		flowpeer.Register(reg),
	); err != nil {
		return fmt.Errorf("failed to register metrics, %w", err)
	}

	cache, err := flowpeer.NewCache(cfg.Cache, flowpeer.WithLogger(logger.WithName("cache")))
	if err != nil {
		return err
	}
	collector, err := flowpeer.NewCollector(*cfg, cache, flowpeer.WithGatherer(reg))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = flowpeer.IntoContext(ctx, logger)

	logger.Info("starting collector", "listen", cfg.Listen, "http", cfg.HTTP, "maxPeers", cfg.Cache.MaxPeers)
	return collector.Run(ctx)
}

func replay(cfg *flowpeer.CollectorConfig, port uint16, files []string, out io.Writer) error {
	logger, sync, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer sync()
	flowpeer.SetLogger(logger)

	cache, err := flowpeer.NewCache(cfg.Cache, flowpeer.WithLogger(logger.WithName("cache")))
	if err != nil {
		return err
	}
	decoder := flowpeer.NewDecoder(cache)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = flowpeer.IntoContext(ctx, logger)

	for _, path := range files {
		stats, err := replayFile(ctx, path, decoder, port)
		if err != nil {
			return err
		}
		logger.Info("replayed capture", "file", path,
			"packets", stats.Packets, "decoded", stats.Decoded, "invalid", stats.Invalid, "skipped", stats.Skipped)
	}

	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(cache.Snapshot())
}

func replayFile(ctx context.Context, path string, d *flowpeer.Decoder, port uint16) (flowpeer.ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return flowpeer.ReplayStats{}, fmt.Errorf("failed to open %s, %w", path, err)
	}
	defer f.Close()
	return flowpeer.Replay(ctx, f, d, port)
}
