// ABOUTME: Entry point for the order-gateway WhatsApp ordering server
// ABOUTME: Subcommands serve, mint staff tokens, check the catalog and probe health

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/order-gateway/internal/auth"
	"github.com/2389/order-gateway/internal/catalog"
	"github.com/2389/order-gateway/internal/config"
	"github.com/2389/order-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
               _                                 _
  ___  _ __ __| | ___ _ __       __ _  __ _| |_ _____      ____ _ _   _
 / _ \| '__/ _' |/ _ \ '__|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_) | | | (_| |  __/ | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___/|_|  \__,_|\___|_|        \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                |___/                             |___/
`

// defaultTokenTTL is the lifetime of tokens minted without --ttl.
const defaultTokenTTL = 30 * 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: order-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                                    Start the gateway server")
		fmt.Println("  token --subject NAME [--store ID] [--ttl 720h]")
		fmt.Println("                                           Mint a staff API token")
		fmt.Println("  catalog-check [PATH]                     Validate the catalog file")
		fmt.Println("  health                                   Check gateway health")
		fmt.Println("  ready                                    Check database and lock backend")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "catalog-check":
		err = runCatalogCheck(ctx, os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Catalog:   %s\n", cfg.Catalog.Path)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Lock gate: %s\n", cfg.Gate.Backend)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.WhatsApp.DryRun {
		yellow.Println("    ! WhatsApp dry run: messages are only logged")
	}

	fmt.Println()

	logger.Info("starting order-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// tokenArgs are the flags of the token command.
type tokenArgs struct {
	subject string
	storeID string
	ttl     time.Duration
}

// parseTokenArgs accepts both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--subject", "--store", "--ttl":
		default:
			if strings.HasPrefix(args[i], "-") {
				return out, fmt.Errorf("unknown flag: %s", args[i])
			}
			return out, fmt.Errorf("unexpected argument: %s", args[i])
		}
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "--subject":
			out.subject = strings.TrimSpace(value)
		case "--store":
			out.storeID = strings.TrimSpace(value)
		case "--ttl":
			ttl, err := time.ParseDuration(value)
			if err != nil || ttl <= 0 {
				return out, fmt.Errorf("--ttl must be a positive duration, got %q", value)
			}
			out.ttl = ttl
		}
	}
	if out.subject == "" {
		return out, errors.New("--subject flag is required")
	}
	return out, nil
}

// runToken mints a staff API token signed with the configured secret.
func runToken(args []string) error {
	ta, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(ta.subject, ta.storeID, ta.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	scope := "all stores"
	if ta.storeID != "" {
		scope = "store " + ta.storeID
	}
	color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Token for %s (%s), expires %s\n",
		ta.subject, scope, time.Now().Add(ta.ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

// runCatalogCheck loads a catalog and prints a summary of every store.
func runCatalogCheck(ctx context.Context, args []string) error {
	var path string
	switch len(args) {
	case 0:
		cfg, err := config.Load(config.DefaultPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		path = cfg.Catalog.Path
	case 1:
		path = args[0]
	default:
		return errors.New("usage: order-gateway catalog-check [PATH]")
	}

	provider, err := catalog.LoadFile(path)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	stores := provider.Stores()
	green.Printf("  ✓ %s: %d store(s)\n", path, len(stores))
	for _, st := range stores {
		cats, err := provider.Categories(ctx, st.ID)
		if err != nil {
			return err
		}
		products := 0
		for _, c := range cats {
			page, err := provider.Products(ctx, st.ID, c.ID, 1, math.MaxInt32)
			if err != nil {
				return err
			}
			products += len(page.Products)
		}

		fmt.Printf("    %s ", st.ID)
		gray.Printf("%q", st.Name)
		fmt.Printf(": %d categories, %d products, SLA queue=%dm preparation=%dm delivery=%dm\n",
			len(cats), products, st.SLA.Queue, st.SLA.Preparation, st.SLA.DeliveryRoute)
		if st.PhoneNumberID == "" {
			yellow.Printf("      ! no phone_number_id: webhook messages cannot reach this store\n")
		}
	}
	return nil
}

// runProbe calls a health endpoint of the running gateway.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	addr := cfg.Server.HTTPAddr
	if cfg.Tailscale.Enabled {
		addr = cfg.Tailscale.Hostname
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
