// Copyright 2026 The Prefork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command preforkd is a pre-forking HTTP daemon built on the prefork
// serving core.  It serves a small demonstration application, but the
// wiring here (signals, config reload, control API) is what a real
// embedding looks like.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/prefork-io/prefork"
	"github.com/prefork-io/prefork/rest"
)

const (
	exitBindFailure  = 2
	exitRestartStorm = 3
)

var (
	cfgFile     string
	addr        string
	workers     int
	mode        string
	controlAddr string
)

func demoHandler() prefork.Handler {
	started := time.Now()
	return prefork.HandlerFunc(func(r *prefork.Request) (*prefork.Response, error) {
		switch {
		case r.Method == "GET" && r.Path == "/healthz":
			return prefork.Text(http.StatusOK, "ok\n"), nil
		case r.Method == "GET" && r.Path == "/":
			return prefork.Text(http.StatusOK,
				fmt.Sprintf("preforkd up %s\n",
					time.Since(started).Round(time.Second))), nil
		case r.Method == "POST" && r.Path == "/echo":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, err
			}
			rv := &prefork.Response{Status: http.StatusOK, Body: body}
			if ct := r.Header.Get("Content-Type"); ct != "" {
				rv.SetHeader("Content-Type", ct)
			}
			return rv, nil
		default:
			return prefork.Text(http.StatusNotFound, "not found\n"), nil
		}
	})
}

func loadConfig() (prefork.Config, error) {
	cfg := prefork.DefaultConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = prefork.LoadConfig(cfgFile); err != nil {
			return cfg, err
		}
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if workers != 0 {
		cfg.Workers = workers
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if controlAddr != "" {
		cfg.ControlAddr = controlAddr
	}
	return cfg, cfg.Validate()
}

// watchConfig triggers a rolling reload when the configuration file is
// rewritten.  Editors replace files rather than write in place, so we watch
// the directory and match on name.
func watchConfig(path string, sup *prefork.Supervisor) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				sup.Reload()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sup, err := prefork.New(cfg, demoHandler())
	if err != nil {
		return err
	}
	if err := sup.Start(); err != nil {
		var be *prefork.BindError
		if errors.As(err, &be) {
			fmt.Fprintf(os.Stderr, "preforkd: %v\n", be)
			os.Exit(exitBindFailure)
		}
		return err
	}

	if cfg.ControlAddr != "" {
		h := rest.NewHandler(sup)
		if cfg.ControlUser != "" {
			h.SetAuth(cfg.ControlUser, cfg.ControlPass)
		}
		ctl := &http.Server{Addr: cfg.ControlAddr, Handler: h}
		go ctl.ListenAndServe()
		defer ctl.Close()
	}

	if cfgFile != "" {
		if w, err := watchConfig(cfgFile, sup); err == nil {
			defer w.Close()
		} else {
			fmt.Fprintf(os.Stderr,
				"preforkd: config watch disabled: %v\n", err)
		}
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT,
		syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGHUP:
				go sup.Reload()
			case syscall.SIGQUIT:
				go sup.Shutdown(0)
			default:
				go sup.Shutdown(cfg.GracePeriod)
			}
		}
	}()

	if err := sup.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "preforkd: %v\n", err)
		if errors.Is(err, prefork.ErrRestartStorm) {
			os.Exit(exitRestartStorm)
		}
		return err
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:          "preforkd",
		Short:        "Pre-forking HTTP server",
		RunE:         serve,
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&cfgFile, "config", "c", "",
		"configuration file (YAML)")
	root.Flags().StringVarP(&addr, "addr", "a", "",
		"listen address for application traffic")
	root.Flags().IntVarP(&workers, "workers", "n", 0,
		"number of worker slots")
	root.Flags().StringVar(&mode, "mode", "",
		"worker mode: goroutine or process")
	root.Flags().StringVar(&controlAddr, "control", "",
		"listen address for the control API")

	// Entry point for process-mode children; the supervisor re-executes
	// this binary with this subcommand and the socket on fd 3.
	worker := &cobra.Command{
		Use:    prefork.WorkerCommand,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return prefork.RunWorker(demoHandler())
		},
	}
	root.AddCommand(worker)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
