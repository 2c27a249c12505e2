// ABOUTME: CLI for the coven-link gateway client
// ABOUTME: Manages device identity and tokens, connects, and issues RPC calls

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-link/internal/config"
	"github.com/2389/coven-link/internal/identity"
	"github.com/2389/coven-link/internal/link"
)

const banner = `
                                  _ _       _
  ___ _____   _____ _ __        | (_)_ __ | | __
 / __/ _ \ \ / / _ \ '_ \ _____ | | | '_ \| |/ /
| (_| (_) \ V /  __/ | | |_____|| | | | | |   <
 \___\___/ \_/ \___|_| |_|      |_|_|_| |_|_|\_\
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "identity":
		err = cmdIdentity(args)
	case "tokens":
		err = cmdTokens(args)
	case "connect":
		err = cmdConnect()
	case "call":
		err = cmdCall(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: coven-link <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  identity                Show the device identity")
	fmt.Println("  identity reset          Destroy and regenerate the device identity")
	fmt.Println("  tokens                  List stored device tokens")
	fmt.Println("  tokens clear <role>     Delete the stored token for a role")
	fmt.Println("  connect                 Connect to the gateway and stream events")
	fmt.Println("  call <method> [json]    Connect, issue one RPC call, print the result")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  COVEN_LINK_CONFIG        Config file path (default: ./coven-link.yaml,")
	fmt.Println("                           then ~/.config/coven/link.yaml)")
	fmt.Println("  COVEN_GATEWAY_URL        Gateway WebSocket URL (overrides gateway.url)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export COVEN_GATEWAY_URL=\"wss://gateway.example.com/ws\"")
	fmt.Println("  coven-link identity")
	fmt.Println("  coven-link connect")
	fmt.Println("  coven-link call sessions.list")
	fmt.Println("  coven-link call config.get '{\"key\":\"theme\"}'")
	fmt.Println()
}

// loadConfig finds and loads the config file, applying environment
// overrides. A missing file is tolerated when COVEN_GATEWAY_URL is set.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("COVEN_LINK_CONFIG")
	if path == "" {
		for _, candidate := range configCandidates() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		url := os.Getenv("COVEN_GATEWAY_URL")
		if url == "" {
			return nil, fmt.Errorf("no config file found and COVEN_GATEWAY_URL is not set")
		}
		cfg = &config.Config{}
		cfg.Gateway.URL = url
	}

	if url := os.Getenv("COVEN_GATEWAY_URL"); url != "" {
		cfg.Gateway.URL = url
	}
	if cfg.Gateway.Role == "" {
		cfg.Gateway.Role = "operator"
	}
	if cfg.Client.ID == "" {
		cfg.Client.ID = "coven-link"
	}
	if cfg.Client.Mode == "" {
		cfg.Client.Mode = "cli"
	}
	if cfg.Identity.Dir == "" {
		cfg.Identity.Dir = config.DefaultIdentityDir()
	}
	return cfg, nil
}

func configCandidates() []string {
	candidates := []string{"coven-link.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "coven", "link.yaml"))
	}
	return candidates
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func cmdIdentity(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := identity.NewStore(cfg.Identity.Dir, newLogger(cfg))

	if len(args) > 0 && args[0] == "reset" {
		if err := store.Reset(); err != nil {
			return err
		}
		id, err := store.Load()
		if err != nil {
			return err
		}
		color.Green("Identity reset.")
		fmt.Printf("New device id: %s\n", id.DeviceID)
		return nil
	}

	id, err := store.Load()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Device ID:\t%s\n", id.DeviceID)
	fmt.Fprintf(w, "Public Key:\t%s\n", id.PublicKey)
	fmt.Fprintf(w, "Created:\t%s\n", time.UnixMilli(id.CreatedAt).Format(time.RFC3339))
	return w.Flush()
}

func cmdTokens(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	idStore := identity.NewStore(cfg.Identity.Dir, logger)
	tokens := identity.NewTokenStore(cfg.Identity.Dir, logger)

	id, err := idStore.Load()
	if err != nil {
		return err
	}

	if len(args) > 0 && args[0] == "clear" {
		if len(args) < 2 {
			return fmt.Errorf("usage: coven-link tokens clear <role>")
		}
		role := args[1]
		if err := tokens.Clear(id.DeviceID, role); err != nil {
			return err
		}
		color.Green("Cleared token for role %q.", role)
		return nil
	}

	records, err := tokens.List(id.DeviceID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No stored tokens.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tSCOPES\tUPDATED")
	for _, rec := range records {
		scopes := "-"
		if len(rec.Scopes) > 0 {
			scopes = fmt.Sprintf("%v", rec.Scopes)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Role, scopes,
			time.UnixMilli(rec.UpdatedAtMs).Format(time.RFC3339))
	}
	return w.Flush()
}

// buildLink wires a Link from config, with identity and token stores.
func buildLink(cfg *config.Config, logger *slog.Logger, onEvent func(link.Event)) (*link.Link, chan link.HelloPayload, error) {
	idStore := identity.NewStore(cfg.Identity.Dir, logger)
	id, err := idStore.Load()
	if err != nil {
		return nil, nil, err
	}

	hellos := make(chan link.HelloPayload, 1)
	l := link.New(link.Options{
		URL:    cfg.Gateway.URL,
		Role:   cfg.Gateway.Role,
		Scopes: cfg.Gateway.Scopes,
		Caps:   cfg.Gateway.Caps,
		Client: link.ClientInfo{
			ID:         cfg.Client.ID,
			Version:    cfg.Client.Version,
			Platform:   cfg.Client.Platform,
			Mode:       cfg.Client.Mode,
			InstanceID: uuid.NewString(),
		},
		Identity: id,
		Tokens:   identity.NewTokenStore(cfg.Identity.Dir, logger),
		Password: cfg.Gateway.Password,
		Locale:   cfg.Client.Locale,

		KeepaliveInterval: cfg.Link.KeepaliveInterval,
		ReconnectFloor:    cfg.Link.ReconnectFloor,
		ReconnectCeiling:  cfg.Link.ReconnectCeiling,

		OnHello: func(h link.HelloPayload) {
			select {
			case hellos <- h:
			default:
			}
		},
		OnEvent: onEvent,
		OnGap: func(expected, received int64) {
			color.Yellow("Event gap: expected seq %d, received %d", expected, received)
		},
		Logger: logger,
	})
	return l, hellos, nil
}

func cmdConnect() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	events := make(chan link.Event, 64)
	l, hellos, err := buildLink(cfg, logger, func(evt link.Event) {
		select {
		case events <- evt:
		default:
		}
	})
	if err != nil {
		return err
	}
	if err := l.Start(); err != nil {
		return err
	}
	defer l.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	color.Cyan("Connecting to %s as %s...", cfg.Gateway.URL, cfg.Gateway.Role)
	for {
		select {
		case <-hellos:
			color.Green("Connected. Streaming events (Ctrl-C to quit).")
		case evt := <-events:
			prefix := evt.Event
			if evt.Seq > 0 {
				prefix = fmt.Sprintf("%s #%d", evt.Event, evt.Seq)
			}
			fmt.Printf("[%s] %s\n", prefix, string(evt.Payload))
		case <-sigs:
			fmt.Println()
			color.Cyan("Disconnecting.")
			return nil
		}
	}
}

func cmdCall(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coven-link call <method> [json-params]")
	}
	method := args[0]

	var params json.RawMessage
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params must be valid JSON")
		}
		params = json.RawMessage(args[1])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	l, hellos, err := buildLink(cfg, logger, nil)
	if err != nil {
		return err
	}
	if err := l.Start(); err != nil {
		return err
	}
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	select {
	case <-hellos:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for the handshake")
	}

	payload, err := l.Request(ctx, method, params)
	if err != nil {
		return err
	}

	if len(payload) == 0 {
		color.Green("OK (empty payload)")
		return nil
	}
	var pretty any
	if err := json.Unmarshal(payload, &pretty); err == nil {
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			fmt.Println(string(out))
			return nil
		}
	}
	fmt.Println(string(payload))
	return nil
}
