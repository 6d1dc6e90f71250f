package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/app"
	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/server"
)

// Exit codes reported to the init system.
const (
	exitOK = iota
	exitConfig
	exitAuth
	exitBackend
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles configPaths // Multiple -config flags supported
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	services    = flag.String("services", "", "Comma separated service groups to enable (overrides config)")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version information")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
}

func run() int {
	flag.Parse()

	if *showVersion {
		fmt.Printf("freva-rest version %s\n", common.GetFullVersion())
		return exitOK
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if path := os.Getenv("API_CONFIG"); path != "" {
			configFiles = append(configFiles, path)
		}
	}
	if len(configFiles) == 0 {
		for _, candidate := range []string{"freva-rest.toml", "api_config.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	// 1. Load configuration (default -> file1 -> file2 -> ... -> env)
	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Error().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	// 2. Apply command-line flag overrides (highest priority)
	common.ApplyFlagOverrides(config, *serverPort, *services, *debug)

	// 3. Initialize logger with final configuration
	logger = common.InitLogger(config)
	common.InstallCrashHandler("")

	// 4. Print banner
	common.PrintBanner(common.GetFullVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Int("port", config.Server.Port).
		Strs("services", config.Server.Services).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		switch {
		case errors.Is(err, app.ErrAuthSetup):
			return exitAuth
		case errors.Is(err, models.ErrBackendUnavailable):
			return exitBackend
		default:
			return exitConfig
		}
	}
	defer application.Close()

	srv := server.New(application)

	errChan := make(chan error, 1)
	common.SafeGo(logger, "http-server", func() {
		errChan <- srv.Start()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
			return exitBackend
		}
		return exitOK
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
	return exitOK
}

func main() {
	defer common.RecoverWithCrashFile()
	os.Exit(run())
}
