// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// runInit implements "beamcoded init", adapted from trellis's own
// interactive config generator (cmd/trellis's runInit/generateConfig) but
// producing a beamcode.hjson matching internal/config's schema instead of
// trellis's service/worktree/proxy sections.
func runInit(args []string) error {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	showHelp := initFlags.Bool("help", false, "Show help for init command")
	initFlags.BoolVar(showHelp, "h", false, "Show help for init command")
	initFlags.Parse(args)

	if *showHelp {
		fmt.Println(`Usage: beamcoded init [options]

Create a new beamcode.hjson configuration file in the current directory.

Options:
  -h, -help    Show this help message`)
		return nil
	}

	const configFile = "beamcode.hjson"
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("%s already exists; remove it first or use a different directory", configFile)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("BeamCode Configuration Setup")
	fmt.Println("============================")
	fmt.Println()
	fmt.Println("Press Enter to accept defaults shown in [brackets].")
	fmt.Println()

	portStr := prompt(reader, "Server port", "8420")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 8420
	}

	host := prompt(reader, "Server host (0.0.0.0 to allow remote access)", "127.0.0.1")

	fmt.Println()
	fmt.Println("A bearer token gates every /api/* request. Leave blank to disable auth")
	fmt.Println("(fine for a daemon reachable only from localhost or a private tunnel).")
	token := prompt(reader, "Bearer token (or empty)", "")

	fmt.Println()
	binaryPath := prompt(reader, "Path to the claude CLI binary", "claude")

	content := generateConfig(host, port, token, binaryPath)
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Println()
	fmt.Printf("Created %s\n", configFile)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit beamcode.hjson as needed")
	fmt.Println("  2. Run: beamcoded")
	fmt.Printf("  3. Point the browser client at ws://%s:%d/ws/consumer/<sessionId>\n", host, port)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func escapeHJSONValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func generateConfig(host string, port int, token, binaryPath string) string {
	var sb strings.Builder

	sb.WriteString(`{
  // =============================================================================
  // BeamCode Configuration
  // =============================================================================
  //
  // This is an HJSON file (JSON with comments and relaxed syntax).

  version: "1"

  // ---------------------------------------------------------------------------
  // Server
  // ---------------------------------------------------------------------------
  server: {
    host: "`)
	sb.WriteString(escapeHJSONValue(host))
	sb.WriteString(`"
    port: `)
	sb.WriteString(strconv.Itoa(port))
	sb.WriteString(`

`)
	if token == "" {
		sb.WriteString(`    // Uncomment to require "Authorization: Bearer <token>" on /api/*:
    // token: "change-me"
`)
	} else {
		sb.WriteString(`    token: "`)
		sb.WriteString(escapeHJSONValue(token))
		sb.WriteString(`"
`)
	}
	sb.WriteString(`
    // For HTTPS, uncomment and set paths to your certificates:
    // tls_cert: "~/.beamcode/cert.pem"
    // tls_key: "~/.beamcode/key.pem"
  }

  // ---------------------------------------------------------------------------
  // Backend adapters
  // ---------------------------------------------------------------------------
  //
  // Each key names an adapter; only enabled entries are wired at startup.
  adapters: {
    claude-sdk: {
      enabled: true
      binary_path: "`)
	sb.WriteString(escapeHJSONValue(binaryPath))
	sb.WriteString(`"
      initialize_timeout: "20s"

      // Address the spawned CLI dials back to for /ws/cli/:sessionId.
      // Defaults to the server's own host:port when left blank.
      // listen_host: "127.0.0.1:8420"
    }

    // codex: { enabled: false, binary_path: "codex" }
    // gemini: { enabled: false, base_url: "http://127.0.0.1:8090" }
    // opencode: { enabled: false, base_url: "http://127.0.0.1:4096" }
    // acp: { enabled: false, binary_path: "acp-agent" }
  }

  // ---------------------------------------------------------------------------
  // Session Registry
  // ---------------------------------------------------------------------------
  registry: {
    data_dir: "."
    max_sessions: 64
    debounce_interval: "250ms"
  }

  // ---------------------------------------------------------------------------
  // Circuit Breaker (per-session backend crash loop protection)
  // ---------------------------------------------------------------------------
  breaker: {
    failure_threshold: 5
    window: "60s"
    recovery_time: "30s"
    success_threshold: 2
    crash_threshold: "5s"
  }

  // ---------------------------------------------------------------------------
  // Per-consumer rate limiting
  // ---------------------------------------------------------------------------
  rate_limit: {
    capacity: 20
    refill_interval: "1s"
    tokens_per_interval: 10
  }

  // ---------------------------------------------------------------------------
  // Consumer Broadcaster
  // ---------------------------------------------------------------------------
  consumer: {
    history_cap: 10000
    replay_cap: 100
    backpressure_high_water_mark_bytes: 4194304
    max_inbound_frame_bytes: 262144
  }

  // ---------------------------------------------------------------------------
  // Recovery Service
  // ---------------------------------------------------------------------------
  recovery: {
    dedup_window: "3s"
  }

  // ---------------------------------------------------------------------------
  // Message Tracer / Metrics
  // ---------------------------------------------------------------------------
  tracer: {
    enabled: false
    reports_dir: "traces"
    max_age: "7d"
    sample_rate: 1.0
  }

  // ---------------------------------------------------------------------------
  // Domain event bus history
  // ---------------------------------------------------------------------------
  events: {
    history: {
      max_events: 10000
      max_age: "1h"
    }
  }

  // ---------------------------------------------------------------------------
  // Logging
  // ---------------------------------------------------------------------------
  logging: {
    level: "info"
    format: "text"
  }
}
`)

	return sb.String()
}
