// ABOUTME: qai-chat, a terminal client for the qai-gateway WebSocket endpoint
// ABOUTME: Reads lines from stdin, sends chat messages and prints the replies

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func realMain() error {
	cfgPath := flag.String("config", configPath(), "path to TOML config file")
	url := flag.String("url", "", "gateway WebSocket URL (overrides config)")
	token := flag.String("token", "", "access token (overrides config and QAI_TOKEN)")
	noColor := flag.Bool("no-color", false, "disable colored output")
	benchN := flag.Int("bench", 0, "send the bench message N times and report response times")
	benchMsg := flag.String("bench-message", "Hola", "message used by -bench")
	benchTimeout := flag.Duration("bench-timeout", 20*time.Second, "per-reply timeout for -bench")
	flag.Parse()

	cfg, err := Load(*cfgPath)
	if err != nil {
		return err
	}

	if envToken := os.Getenv("QAI_TOKEN"); envToken != "" {
		cfg.Gateway.Token = envToken
	}
	if *url != "" {
		cfg.Gateway.URL = *url
	}
	if *token != "" {
		cfg.Gateway.Token = *token
	}
	if *noColor || !cfg.Chat.Color {
		color.NoColor = true
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *benchN > 0 {
		res, err := bench(ctx, cfg, *benchN, *benchMsg, *benchTimeout)
		printBench(os.Stdout, res)
		return err
	}

	return run(ctx, cfg, os.Stdin, os.Stdout)
}
