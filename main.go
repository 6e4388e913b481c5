// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

// Command modchain runs the flow orchestrator agent: the scheduling
// core plus its HTTP and worker-websocket surfaces.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/hashicorp/go-hclog"

	"github.com/Huck-dev/modchain/command/agent"
	"github.com/Huck-dev/modchain/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		configPath  string
		bindAddr    string
		port        int
		logLevel    string
		logJSON     bool
		enableDebug bool
		showVersion bool
	)

	flags := flag.NewFlagSet("modchain", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "Path to a JSON config file")
	flags.StringVar(&bindAddr, "bind", "", "Listener bind address")
	flags.IntVar(&port, "port", 0, "Listener port")
	flags.StringVar(&logLevel, "log-level", "", "Log level: TRACE, DEBUG, INFO, WARN, ERROR")
	flags.BoolVar(&logJSON, "log-json", false, "Emit logs in JSON format")
	flags.BoolVar(&enableDebug, "debug", false, "Expose pprof endpoints")
	flags.BoolVar(&showVersion, "version", false, "Print the version and exit")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if showVersion {
		fmt.Println(version.GetVersion().FullVersionNumber(true))
		return 0
	}

	config := agent.DefaultConfig()
	if configPath != "" {
		loaded, err := agent.LoadConfigFile(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		config = loaded
	}
	if bindAddr != "" {
		config.BindAddr = bindAddr
	}
	if port != 0 {
		config.Port = port
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logJSON {
		config.LogJSON = true
	}
	if enableDebug {
		config.EnableDebug = true
	}

	logger := log.NewInterceptLogger(&log.LoggerOptions{
		Name:       "modchain",
		Level:      log.LevelFromString(config.LogLevel),
		JSONFormat: config.LogJSON,
	})
	logger.Info("starting", "version", version.GetVersion().VersionNumber())

	a, err := agent.NewAgent(config, logger, nil)
	if err != nil {
		logger.Error("failed to start agent", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("caught signal, shutting down", "signal", sig.String())

	a.Shutdown()
	return 0
}
