// ABOUTME: Interactive config file creation for qai-gateway init
// ABOUTME: Prompts for a few values and writes a starter YAML or TOML file

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/stffns/QAI/internal/config"
)

func runInit() error {
	return initConfig(bufio.NewReader(os.Stdin), os.Stdout, getConfigPath(), getDataPath())
}

// initConfig drives the prompts; split from runInit so it can be fed canned
// answers.
func initConfig(reader *bufio.Reader, out io.Writer, defaultConfigPath, defaultDataPath string) error {
	fmt.Fprintln(out, "qai-gateway configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path (.yaml or .toml)", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	addr := prompt(reader, out, "Listen address", config.Default().Server.Addr)
	origins := prompt(reader, out, "Allowed origins (comma separated)", strings.Join(config.Default().CORS.AllowedOrigins, ","))

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	dbPath := prompt(reader, out, "SQLite database path", filepath.Join(defaultDataPath, "gateway.db"))

	fmt.Fprintln(out, "\n--- Authentication ---")
	anonymous := yes(prompt(reader, out, "Allow anonymous connections?", "no"))
	secret, err := generateSecret()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, out, "Enable Tailscale?", "no"))
	var tsHostname string
	if tailscaleEnabled {
		tsHostname = prompt(reader, out, "Tailscale hostname", config.Default().Tailscale.Hostname)
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	format := config.FormatYAML
	if strings.EqualFold(filepath.Ext(outputFile), ".toml") {
		format = config.FormatTOML
	}

	data := config.Template(format, config.TemplateValues{
		Addr:              addr,
		DatabasePath:      dbPath,
		JWTSecret:         secret,
		AllowAnonymous:    anonymous,
		AllowedOrigins:    splitList(origins),
		TailscaleEnabled:  tailscaleEnabled,
		TailscaleHostname: tsHostname,
		LogLevel:          logLevel,
		LogFormat:         logFormat,
	})

	// Catch typos in the answers before they land on disk.
	if _, err := config.Parse(data, format); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  qai-gateway serve")
	fmt.Fprintln(out, "To issue a token:")
	fmt.Fprintln(out, "  qai-gateway token --subject <name>")

	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
