// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command beamcoded is the session broker daemon (spec.md §1): it exposes
// the HTTP/WebSocket surface a remote browser client uses to drive
// coding-assistant CLIs. Flag parsing and config discovery follow trellis's
// own cmd/trellis/main.go (a "beamcoded init" subcommand generates a
// starter config the way "trellis init" does, retargeted to BeamCode's own
// schema).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/teng-lin/beamcode/internal/app"
	"github.com/teng-lin/beamcode/internal/config"
)

var version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect beamcode.hjson)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "HTTP server host (overrides config)")
	flag.IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("beamcoded %s\n", version)
		os.Exit(0)
	}

	if configPath == "" {
		loader := config.NewLoader()
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("Error: %v (run \"beamcoded init\" to create one)", err)
		}
		configPath = found
	}

	log.Printf("beamcoded: using config %s", configPath)

	application, err := app.New(app.Options{
		ConfigPath: configPath,
		Host:       host,
		Port:       port,
		Version:    version,
	})
	if err != nil {
		log.Fatalf("beamcoded: failed to create app: %v", err)
	}

	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("beamcoded: %v", err)
	}
}
