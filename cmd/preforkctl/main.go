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

// Command preforkctl talks to a running preforkd over its control API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/prefork-io/prefork"
	"github.com/prefork-io/prefork/rest"
)

var (
	ctlAddr string
	ctlAuth string

	follow   bool
	grace    int
	now      bool
	watchSer bool
)

func client() *rest.Client {
	c := rest.NewClient(nil, ctlAddr)
	if ctlAuth != "" {
		user, pass, _ := strings.Cut(ctlAuth, ":")
		c.SetAuth(user, pass)
	}
	return c
}

func die(err error) {
	fmt.Fprintf(os.Stderr, "preforkctl: %v\n", err)
	os.Exit(1)
}

func colorStatus(st string) string {
	switch st {
	case "ready":
		return color.GreenString("%-10s", st)
	case "busy":
		return color.CyanString("%-10s", st)
	case "dead":
		return color.RedString("%-10s", st)
	default:
		return color.YellowString("%-10s", st)
	}
}

func printInfo(info *prefork.Info) {
	state := "running"
	switch {
	case info.Stopping:
		state = "stopping"
	case !info.Running:
		state = "stopped"
	}
	fmt.Printf("State:    %s\n", state)
	fmt.Printf("Address:  %s\n", info.Addr)
	fmt.Printf("Mode:     %s\n", info.Mode)
	fmt.Printf("Workers:  %d (%d ready)\n", info.Workers, info.Ready)
	fmt.Printf("Started:  %s\n", info.CreateTime.Format(time.RFC3339))
	fmt.Printf("Changed:  %s\n", info.UpdateTime.Format(time.RFC3339))
}

func doStatus(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	info, err := client().Info(ctx)
	if err != nil {
		die(err)
	}
	printInfo(info)
	for watchSer {
		if info, err = client().WatchInfo(ctx, info.Serial,
			30*time.Second); err != nil {
			die(err)
		}
		fmt.Println()
		printInfo(info)
	}
}

func doWorkers(cmd *cobra.Command, args []string) {
	ws, err := client().Workers(cmd.Context())
	if err != nil {
		die(err)
	}
	fmt.Printf("%-4s %-36s %-10s %-8s %s\n",
		"SLOT", "ID", "STATUS", "UPTIME", "LAST BEAT")
	for _, w := range ws {
		fmt.Printf("%-4d %-36s %s %-8s %s\n",
			w.Slot, w.ID, colorStatus(w.Status),
			time.Since(w.Started).Round(time.Second),
			w.LastBeat.Format("15:04:05"))
	}
}

func doReload(cmd *cobra.Command, args []string) {
	if err := client().Reload(cmd.Context()); err != nil {
		die(err)
	}
	fmt.Println("reload started")
}

func doShutdown(cmd *cobra.Command, args []string) {
	d := time.Duration(-1)
	if cmd.Flags().Changed("grace") {
		d = time.Duration(grace) * time.Second
	}
	if err := client().Shutdown(cmd.Context(), d, now); err != nil {
		die(err)
	}
	fmt.Println("shutdown started")
}

func doLog(cmd *cobra.Command, args []string) {
	c := client()
	recs, since, err := c.Log(cmd.Context(), 0)
	if err != nil {
		die(err)
	}
	for _, r := range recs {
		fmt.Println(r.Text)
	}
	if !follow {
		return
	}
	err = c.FollowLog(cmd.Context(), since, func(r prefork.LogRecord) {
		fmt.Println(r.Text)
	})
	if err != nil && cmd.Context().Err() == nil {
		die(err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:          "preforkctl",
		Short:        "Control a running preforkd",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&ctlAddr, "addr", "a",
		"http://127.0.0.1:8321", "control API address")
	root.PersistentFlags().StringVarP(&ctlAuth, "user", "u", "",
		"credentials as user:password")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor status",
		Run:   doStatus,
	}
	status.Flags().BoolVarP(&watchSer, "watch", "w", false,
		"keep watching for changes")

	workers := &cobra.Command{
		Use:   "workers",
		Short: "List workers",
		Run:   doWorkers,
	}

	reload := &cobra.Command{
		Use:   "reload",
		Short: "Rolling restart of all workers",
		Run:   doReload,
	}

	shutdown := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the daemon",
		Run:   doShutdown,
	}
	shutdown.Flags().IntVar(&grace, "grace", 0,
		"grace period in seconds")
	shutdown.Flags().BoolVar(&now, "now", false,
		"terminate immediately, dropping in-flight requests")

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show the daemon log",
		Run:   doLog,
	}
	logCmd.Flags().BoolVarP(&follow, "follow", "f", false,
		"stream new records as they arrive")

	root.AddCommand(status, workers, reload, shutdown, logCmd)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
