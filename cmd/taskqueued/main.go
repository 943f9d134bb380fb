// Command taskqueued serves the task queue over HTTP, WebSocket JSON-RPC,
// the message bus, or JSON-RPC on stdin/stdout.
//
// Run: taskqueued -config taskqueue.toml
// Stop: Ctrl+C (SIGINT) or kill (SIGTERM)
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/vinayprograms/taskqueue/config"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/shutdown"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("taskqueued", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (.toml, .yaml); default: first of "+strings.Join(config.StandardPaths(), ", "))
	stdio := fs.Bool("stdio", false, "serve JSON-RPC on stdin/stdout instead of HTTP")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: taskqueued [flags]\n\nFlags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\n%s", config.EnvHelp())
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, path, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "taskqueued: config: %v\n", err)
		return 1
	}

	// stdout carries the protocol in stdio mode.
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "taskqueued: %v\n", err)
		return 1
	}
	logger.Info("starting", map[string]interface{}{
		"version":  version,
		"config":   path,
		"store":    cfg.Store.Backend,
		"registry": cfg.Registry.Backend,
		"bus":      cfg.Bus.Backend,
		"stdio":    *stdio,
	})

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         cfg.Shutdown.Timeout,
		ContinueOnError: true,
		Logger:          logger.WithComponent("shutdown"),
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := newApp(startCtx, cfg, logger, coord)
	cancel()
	if err != nil {
		logger.Error("startup_failed", map[string]interface{}{"error": err.Error()})
		return 1
	}

	exited, err := a.start(stdin, stdout, *stdio)
	if err != nil {
		logger.Error("startup_failed", map[string]interface{}{"error": err.Error()})
		_ = coord.ShutdownWithTimeout(0)
		return 1
	}
	coord.HandleSignals()

	code := 0
	select {
	case <-coord.Done():
	case err := <-exited:
		if err != nil {
			logger.Error("component_failed", map[string]interface{}{"error": err.Error()})
			code = 1
		}
		_ = coord.ShutdownWithTimeout(0)
	}

	if result := coord.Result(); result != nil && result.Failed() {
		logger.Error("shutdown_incomplete", map[string]interface{}{
			"failed": result.FailedHandlers(),
		})
		code = 1
	}
	return code
}

func newLogger(cfg config.LogConfig, out io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if strings.EqualFold(cfg.Format, string(logging.FormatConsole)) {
		logger.SetFormat(logging.FormatConsole)
	}
	return logger.WithComponent("taskqueued"), nil
}
