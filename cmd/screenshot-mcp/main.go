// Command screenshot-mcp is an MCP server that captures the active window,
// extracts its text and has a vision model describe it.
//
// Usage:
//
//	screenshot-mcp [--config file] [serve [--transport stdio|http] [--addr host:port]]
//	screenshot-mcp quota
//	screenshot-mcp version
//
// Stdout carries MCP frames in stdio mode, so all logging goes to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/cwmaguire/screenshot-mcp/internal/config"
	"github.com/cwmaguire/screenshot-mcp/internal/logger"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "screenshot-mcp",
		Usage:   "MCP server for screenshot capture, OCR and AI analysis",
		Version: fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				EnvVars: []string{"SCREENSHOT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before reading the environment",
				Value: ".env",
			},
		},
		Before: loadEnvFile,
		Action: serveAction,
		Commands: []*cli.Command{
			serveCommand(),
			quotaCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.WithError(err).Error("screenshot-mcp failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnvFile loads --env-file if it exists. Variables already set win.
func loadEnvFile(c *cli.Context) error {
	path := c.String("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, logger.Logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the MCP server (default)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "transport",
				Aliases: []string{"t"},
				Usage:   "stdio or http",
				Value:   "stdio",
				EnvVars: []string{"SCREENSHOT_TRANSPORT"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address for the http transport (overrides http_addr)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	transport := c.String("transport")
	if transport == "" {
		transport = "stdio"
	}
	if addr := c.String("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}

	a, err := newApp(cfg, log, Version)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("shutdown cleanup failed")
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"version":   Version,
		"commit":    GitCommit,
		"transport": transport,
	}).Info("MCP Screenshot Server starting")

	switch transport {
	case "stdio":
		return a.server.Run(ctx)
	case "http":
		return a.server.ListenAndServe(ctx, cfg.HTTPAddr)
	default:
		return fmt.Errorf("unknown transport %q: must be stdio or http", transport)
	}
}

func quotaCommand() *cli.Command {
	return &cli.Command{
		Name:  "quota",
		Usage: "Print today's analysis quota as JSON",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			lim, closer, err := newLimiter(cfg, log)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()
			d, err := lim.Check(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "screenshot-mcp %s\n", Version)
			fmt.Fprintf(c.App.Writer, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(c.App.Writer, "  Git commit: %s\n", GitCommit)
			return nil
		},
	}
}
