package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/arrowproto/gateway/internal/client"
	"github.com/arrowproto/gateway/internal/identity"
	"github.com/arrowproto/gateway/internal/protocol"
	"github.com/arrowproto/gateway/internal/svcmap"
	"github.com/arrowproto/gateway/internal/transport"
	"github.com/arrowproto/gateway/internal/version"
)

const defaultConfigFile = "/etc/arrowgw/config.toml"

// globalFlags holds double-dash flags parsed from os.Args. rest contains
// the remaining arguments with global flags stripped.
type globalFlags struct {
	version  bool
	quic     bool
	insecure bool
	verbose  bool
	config   string
	rest     []string
}

func (g globalFlags) dialMode() transport.DialMode {
	if g.quic {
		return transport.DialQUIC
	}
	return transport.DialTLS
}

// parseGlobalFlags extracts double-dash flags from os.Args. Supports
// --flag and --flag=value forms.
func parseGlobalFlags() globalFlags {
	g := globalFlags{config: defaultConfigFile}
	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		switch {
		case arg == "--version":
			g.version = true
		case arg == "--quic":
			g.quic = true
		case arg == "--insecure":
			g.insecure = true
		case arg == "--verbose":
			g.verbose = true
		case arg == "--config" && i+1 < len(os.Args):
			i++
			g.config = os.Args[i]
		case strings.HasPrefix(arg, "--config="):
			g.config, _ = strings.CutPrefix(arg, "--config=")
		default:
			g.rest = append(g.rest, arg)
		}
	}
	return g
}

func main() {
	gf := parseGlobalFlags()

	if gf.version || (len(gf.rest) > 0 && gf.rest[0] == "version") {
		fmt.Printf("arrowgw %s (%s)\n", version.VERSION, version.Commit)
		os.Exit(0)
	}
	if len(gf.rest) > 0 {
		usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(gf.config)
	if err != nil {
		fatal(err)
	}
	if gf.verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	log := newLogger(cfg.LogLevel)

	if cfg.MaxPayload > 0 {
		protocol.SetMaxPayload(cfg.MaxPayload)
	}

	id, err := identity.LoadOrGenerate(cfg.IdentityFile)
	if err != nil {
		fatal(fmt.Errorf("identity: %w", err))
	}
	log.Info("gateway identity", "uuid", id.UUID, "mac", id.MAC.String())

	table := svcmap.NewTable()
	for _, s := range cfg.Services {
		sid := table.Add(svcmap.Service{Type: s.Type, MAC: s.MAC, Addr: s.Addr, Path: s.Path})
		log.Info("service", "id", sid, "type", s.Type, "addr", s.Addr, "path", s.Path)
	}

	tlsConf, err := buildTLSConfig(cfg.CAFile, gf.insecure)
	if err != nil {
		fatal(err)
	}

	c, err := client.New(client.Config{
		Address:      cfg.Address,
		Services:     table,
		Identity:     id,
		TLS:          tlsConf,
		DialMode:     gf.dialMode(),
		PingInterval: cfg.PingInterval,
		MaxSessions:  cfg.MaxSessions,
		Logger:       log,
	})
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// newLogger picks the handler for the environment: readable text on a
// terminal, JSON when stderr goes to a collector.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildTLSConfig resolves the client TLS configuration. An empty CA file
// means system roots.
func buildTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	var roots *x509.CertPool
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
	}
	return transport.ClientTLSConfig(roots, insecure), nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "arrowgw: %v\n", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: arrowgw [--config <path>] [--quic] [--insecure] [--verbose]")
	fmt.Fprintln(os.Stderr, "       arrowgw version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  --version          print version and exit")
	fmt.Fprintln(os.Stderr, "  --config <path>    configuration file (default: "+defaultConfigFile+")")
	fmt.Fprintln(os.Stderr, "  --quic             use QUIC transport instead of TCP+TLS")
	fmt.Fprintln(os.Stderr, "  --insecure         skip service certificate verification")
	fmt.Fprintln(os.Stderr, "  --verbose          debug logging")
}
