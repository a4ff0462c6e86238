// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clawflow/pkg/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API with a live event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		a.Start(ctx)

		addr := serveAddr
		if addr == "" {
			addr = a.Settings.ServeAddr
		}

		opts := server.Options{
			Addr:   addr,
			Store:  a.Project,
			Global: a.Global,
			VCS:    a.VCS,
			Bus:    a.Bus,
		}
		// A nil *Engine assigned to the interface field would not compare
		// equal to nil, so only set these when configured.
		if a.Engine != nil {
			opts.Engine = a.Engine
		}
		if a.Groups != nil {
			opts.Groups = a.Groups
		}
		if a.Runner != nil {
			opts.Registry = a.Runner.Registry()
		}

		srv := server.New(opts)
		fmt.Printf("Serving on http://%s\n", addr)
		return srv.Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to the configured serve_addr)")
}
