// Copyright 2024 The BM2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command bm2d is the supervision daemon: it loads its own config and
// an optional ecosystem manifest, then serves the control-plane
// socket until told to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	bm2 "github.com/bun-bm2/bm2"
	"github.com/bun-bm2/bm2/config"
	"github.com/bun-bm2/bm2/ipc"
	"github.com/bun-bm2/bm2/obslog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		homeDir    string
		ecosystem  string
		resurrect  bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "bm2d",
		Short: "bm2 supervision daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runOpts{
				configFile: configFile,
				homeDir:    homeDir,
				ecosystem:  ecosystem,
				resurrect:  resurrect,
				debug:      debug,
			})
		},
	}

	home, _ := os.UserHomeDir()
	cmd.Flags().StringVar(&configFile, "config", "", "path to the daemon's own config file")
	cmd.Flags().StringVar(&homeDir, "home", filepath.Join(home, ".bm2"), "daemon state directory")
	cmd.Flags().StringVar(&ecosystem, "ecosystem", "", "path to a service manifest to load at startup")
	cmd.Flags().BoolVar(&resurrect, "resurrect", false, "restore services from the last Save() dump at startup")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	return cmd
}

type runOpts struct {
	configFile string
	homeDir    string
	ecosystem  string
	resurrect  bool
	debug      bool
}

func run(opts runOpts) error {
	if err := os.MkdirAll(opts.homeDir, 0o755); err != nil {
		return fmt.Errorf("bm2d: create home dir: %w", err)
	}

	cfg, err := config.Load(opts.configFile, opts.homeDir)
	if err != nil {
		return err
	}

	lock := flock.New(cfg.PIDFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("bm2d: acquire pid lock: %w", err)
	}
	if !locked {
		return bm2.ErrAlreadyRunning
	}
	defer lock.Unlock()
	if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("bm2d: write pid file: %w", err)
	}

	logger, ring := obslog.New(obslog.Options{
		FilePath:   cfg.Logging.FilePath,
		MaxBytesMB: cfg.Logging.MaxBytesMB,
		MaxBackups: cfg.Logging.MaxBackups,
		RingLines:  cfg.Logging.RingLines,
		Debug:      opts.debug,
	})
	defer logger.Sync()

	sup := bm2.NewSupervisor(
		filepath.Join(opts.homeDir, "logs"),
		filepath.Join(opts.homeDir, "pids"),
		filepath.Join(opts.homeDir, "dump.json"),
		time.Duration(cfg.Monitor.IntervalMS)*time.Millisecond,
		bm2.BackupConfig{
			Enabled: cfg.Backup.Enabled,
			Bucket:  cfg.Backup.Bucket,
			Region:  cfg.Backup.Region,
			Key:     cfg.Backup.Key,
		},
		logger,
	)
	go sup.Run()

	if opts.resurrect {
		if _, err := sup.Resurrect(); err != nil {
			logger.Warn("resurrect failed", zap.Error(err))
		}
	}
	if opts.ecosystem != "" {
		specs, err := config.LoadEcosystem(opts.ecosystem)
		if err != nil {
			return err
		}
		if _, err := sup.Ecosystem(specs); err != nil {
			logger.Warn("ecosystem load failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := ipc.New(cfg.SocketPath)
	registerHandlers(srv, sup, ring)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("bm2d: listen on %s: %w", cfg.SocketPath, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("bm2d started", zap.String("socket", cfg.SocketPath))

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("ipc server stopped", zap.Error(err))
		}
	}

	sup.Shutdown()
	srv.Close()
	return nil
}

// registerHandlers wires every IPC request type of spec.md §6.1 to
// its Supervisor method.
func registerHandlers(srv *ipc.Server, sup *bm2.Supervisor, ring *obslog.Ring) {
	srv.Handle("ping", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		pid, uptime := sup.Ping()
		return map[string]interface{}{"pid": pid, "uptime_seconds": uptime}, nil
	})

	srv.Handle("start", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct{ Spec *bm2.ServiceSpec }
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		entries, err := sup.Start(p.Spec)
		return bm2.ProcessStates(entries), err
	})

	srv.Handle("ecosystem", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct {
			Apps []*bm2.ServiceSpec `json:"apps"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		entries, err := sup.Ecosystem(p.Apps)
		return bm2.ProcessStates(entries), err
	})

	srv.Handle("stop", targetHandler(sup.Stop))
	srv.Handle("restart", targetHandler(sup.Restart))
	srv.Handle("reload", targetHandler(sup.Reload))
	srv.Handle("delete", targetHandler(sup.Delete))
	srv.Handle("reset", targetHandler(sup.Reset))
	srv.Handle("describe", targetHandler(sup.Describe))

	srv.Handle("stopAll", allTargetHandler(sup.Stop))
	srv.Handle("restartAll", allTargetHandler(sup.Restart))
	srv.Handle("reloadAll", allTargetHandler(sup.Reload))
	srv.Handle("deleteAll", allTargetHandler(sup.Delete))

	srv.Handle("list", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return bm2.ProcessStates(sup.List()), nil
	})

	srv.Handle("scale", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct {
			Target string
			Count  int
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		entries, err := sup.Scale(p.Target, p.Count)
		return bm2.ProcessStates(entries), err
	})

	srv.Handle("signal", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct {
			Target string
			Signal int
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return nil, sup.Signal(p.Target, p.Signal)
	})

	srv.Handle("logs", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct {
			Target string
			Lines  int
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return sup.Logs(p.Target, p.Lines)
	})

	srv.Handle("flush", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct{ Target string }
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return nil, sup.Flush(p.Target)
	})

	srv.Handle("metrics", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return sup.Metrics(), nil
	})

	srv.Handle("metricsHistory", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct{ Seconds int }
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return sup.MetricsHistory(p.Seconds), nil
	})

	srv.Handle("prometheus", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return sup.Prometheus(), nil
	})

	srv.Handle("save", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return nil, sup.Save()
	})

	srv.Handle("resurrect", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		entries, err := sup.Resurrect()
		return bm2.ProcessStates(entries), err
	})

	srv.Handle("daemonLogs", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct{ Lines int }
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.Lines <= 0 {
			p.Lines = 100
		}
		return ring.Tail(p.Lines), nil
	})

	srv.Handle("kill", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			sup.Shutdown()
			os.Exit(0)
		}()
		return nil, nil
	})
}

// targetHandler adapts a Supervisor method of the common
// `func(target string) ([]*bm2.ServiceEntry, error)` shape into an
// ipc.Handler, translating its result to the wire-compatible
// ProcessState shape.
func targetHandler(fn func(string) ([]*bm2.ServiceEntry, error)) ipc.Handler {
	return func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		var p struct{ Target string }
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		entries, err := fn(p.Target)
		return bm2.ProcessStates(entries), err
	}
}

// allTargetHandler adapts the same Supervisor methods for the `*All`
// request types of spec.md §6.1, which always target "all" regardless
// of any body the caller sends.
func allTargetHandler(fn func(string) ([]*bm2.ServiceEntry, error)) ipc.Handler {
	return func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		entries, err := fn("all")
		return bm2.ProcessStates(entries), err
	}
}
