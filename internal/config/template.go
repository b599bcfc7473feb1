// ABOUTME: Starter config file generation for qai-gateway init
// ABOUTME: Writes a commented YAML or TOML file from a handful of prompted values

package config

import (
	"fmt"
	"strings"
)

// TemplateValues are the answers collected by `qai-gateway init`.
type TemplateValues struct {
	Addr              string
	DatabasePath      string
	JWTSecret         string
	AllowAnonymous    bool
	AllowedOrigins    []string
	TailscaleEnabled  bool
	TailscaleHostname string
	LogLevel          string
	LogFormat         string
}

// Template renders a complete config file in the given format.
func Template(format Format, v TemplateValues) []byte {
	d := Default()
	origins := v.AllowedOrigins
	if len(origins) == 0 {
		origins = d.CORS.AllowedOrigins
	}

	var b strings.Builder
	if format == FormatTOML {
		b.WriteString("# qai-gateway configuration\n")
		b.WriteString("# Generated by qai-gateway init\n\n")

		b.WriteString("[server]\n")
		fmt.Fprintf(&b, "addr = %q\n", v.Addr)
		fmt.Fprintf(&b, "path = %q\n", d.Server.Path)
		fmt.Fprintf(&b, "max_connections = %d\n", d.Server.MaxConnections)
		fmt.Fprintf(&b, "handshake_timeout = %q\n\n", d.Server.HandshakeTimeout)

		b.WriteString("[database]\n")
		fmt.Fprintf(&b, "path = %q\n\n", v.DatabasePath)

		b.WriteString("[tailscale]\n")
		fmt.Fprintf(&b, "enabled = %t\n", v.TailscaleEnabled)
		fmt.Fprintf(&b, "hostname = %q\n\n", orDefault(v.TailscaleHostname, d.Tailscale.Hostname))

		b.WriteString("[auth]\n")
		fmt.Fprintf(&b, "jwt_secret = %q\n", v.JWTSecret)
		fmt.Fprintf(&b, "token_ttl = %q\n", d.Auth.TokenTTL)
		fmt.Fprintf(&b, "allow_anonymous = %t\n\n", v.AllowAnonymous)

		b.WriteString("[cors]\n")
		b.WriteString("enabled = true\n")
		quoted := make([]string, len(origins))
		for i, o := range origins {
			quoted[i] = fmt.Sprintf("%q", o)
		}
		fmt.Fprintf(&b, "allowed_origins = [%s]\n", strings.Join(quoted, ", "))
		b.WriteString("allow_empty_origin = true\n\n")

		b.WriteString("[rate_limit]\n")
		b.WriteString("enabled = true\n")
		fmt.Fprintf(&b, "max_requests = %d\n", d.RateLimit.MaxRequests)
		fmt.Fprintf(&b, "window = %q\n\n", d.RateLimit.Window)

		b.WriteString("[sessions]\n")
		fmt.Fprintf(&b, "idle_timeout = %q\n\n", d.Sessions.IdleTimeout)

		b.WriteString("[agent]\n")
		fmt.Fprintf(&b, "backend = %q\n", d.Agent.Backend)
		fmt.Fprintf(&b, "timeout = %q\n\n", d.Agent.Timeout)

		b.WriteString("[logging]\n")
		fmt.Fprintf(&b, "level = %q\n", v.LogLevel)
		fmt.Fprintf(&b, "format = %q\n\n", v.LogFormat)

		b.WriteString("[metrics]\n")
		b.WriteString("enabled = true\n")
		fmt.Fprintf(&b, "path = %q\n", d.Metrics.Path)
		return []byte(b.String())
	}

	b.WriteString("# qai-gateway configuration\n")
	b.WriteString("# Generated by qai-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  addr: %q\n", v.Addr)
	fmt.Fprintf(&b, "  path: %q\n", d.Server.Path)
	fmt.Fprintf(&b, "  max_connections: %d\n", d.Server.MaxConnections)
	fmt.Fprintf(&b, "  handshake_timeout: %q\n\n", d.Server.HandshakeTimeout)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", v.DatabasePath)

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", v.TailscaleEnabled)
	fmt.Fprintf(&b, "  hostname: %q\n\n", orDefault(v.TailscaleHostname, d.Tailscale.Hostname))

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", v.JWTSecret)
	fmt.Fprintf(&b, "  token_ttl: %q\n", d.Auth.TokenTTL)
	fmt.Fprintf(&b, "  allow_anonymous: %t\n\n", v.AllowAnonymous)

	b.WriteString("cors:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  allowed_origins:\n")
	for _, o := range origins {
		fmt.Fprintf(&b, "    - %q\n", o)
	}
	b.WriteString("  allow_empty_origin: true\n\n")

	b.WriteString("rate_limit:\n")
	b.WriteString("  enabled: true\n")
	fmt.Fprintf(&b, "  max_requests: %d\n", d.RateLimit.MaxRequests)
	fmt.Fprintf(&b, "  window: %q\n\n", d.RateLimit.Window)

	b.WriteString("sessions:\n")
	fmt.Fprintf(&b, "  idle_timeout: %q\n\n", d.Sessions.IdleTimeout)

	b.WriteString("agent:\n")
	fmt.Fprintf(&b, "  backend: %q\n", d.Agent.Backend)
	fmt.Fprintf(&b, "  timeout: %q\n\n", d.Agent.Timeout)

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", v.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", v.LogFormat)

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")
	fmt.Fprintf(&b, "  path: %q\n", d.Metrics.Path)
	return []byte(b.String())
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
