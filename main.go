// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/calllog"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/config"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/profile"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/relay"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/storage"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/util"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/viewer"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("calld v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: calld run <terminal-directory>")
			os.Exit(1)
		}
		runTerminal(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: calld relay <terminal-directory>")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runTerminal(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid terminal directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create terminal directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "call.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		fmt.Printf("Created default config at %s\n", cfgPath)
		fmt.Println("Fill in identity.user_id and run again.")
		return
	}

	// Capture log output for the /api/logs endpoints while keeping stderr.
	logs := viewer.NewLogBuffer(500)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	db, err := storage.Open(filepath.Join(absDir, "data"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	history, err := calllog.New(db)
	if err != nil {
		log.Fatalf("Failed to init call log: %v", err)
	}
	roster, err := profile.New(db)
	if err != nil {
		log.Fatalf("Failed to init profiles: %v", err)
	}

	relay.SetTopicPrefix(cfg.Relay.TopicPrefix)
	sig, closeRelay, err := buildSignaler(ctx, absDir, cfg)
	if err != nil {
		log.Fatalf("Failed to start %s relay: %v", cfg.Relay.Mode, err)
	}
	defer closeRelay()

	timings := call.Timings{
		AutoAcceptDelay: time.Duration(cfg.Call.AutoAcceptDelayMS) * time.Millisecond,
		EndedResetDelay: time.Duration(cfg.Call.EndedResetDelayMS) * time.Millisecond,
		SignalTimeout:   time.Duration(cfg.Call.SignalTimeoutSec) * time.Second,
	}
	mgr := call.New(call.Options{
		Signaler:      sig,
		CallLog:       history,
		Profiles:      roster,
		Timings:       timings,
		SelfName:      cfg.Identity.FullName,
		STUNServers:   cfg.Call.STUNServers,
		VideoDisabled: cfg.Call.VideoDisabled,
		Unattended:    cfg.Call.Unattended,
	})
	if err := mgr.Initialize(cfg.Identity.UserID); err != nil {
		log.Fatalf("Failed to initialize call manager: %v", err)
	}
	defer mgr.Close()

	// Config edits flip the unattended flag live; everything else needs a
	// restart (relay mode, identity).
	stopWatch, err := config.Watch(cfgPath, func(c config.Config) {
		mgr.SetUnattended(c.Call.Unattended)
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	if cfg.Viewer.HTTPAddr != "" {
		go func() {
			err := viewer.Start(cfg.Viewer.HTTPAddr, viewer.Deps{
				Calls:    mgr,
				History:  history,
				Profiles: roster,
				Logs:     logs,
			})
			if err != nil {
				log.Printf("VIEWER: %v", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
}

// buildSignaler constructs the signaling transport named by cfg.Relay.Mode.
func buildSignaler(ctx context.Context, baseDir string, cfg config.Config) (call.Signaler, func(), error) {
	switch cfg.Relay.Mode {
	case config.RelayMemory:
		return relay.NewMemory(), func() {}, nil

	case config.RelayRedis:
		r, err := relay.NewRedis(ctx, cfg.Relay.RedisAddr, cfg.Relay.RedisPassword, cfg.Relay.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil

	case config.RelayMesh:
		keyFile := util.ResolvePath(baseDir, cfg.Relay.MeshKeyFile)
		m, err := relay.NewMesh(ctx, keyFile, cfg.Relay.MeshListenPort)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("RELAY: mesh node %s", m.ID())
		return m, func() { _ = m.Close() }, nil

	case config.RelayWS:
		c, err := relay.DialRelay(ctx, cfg.Relay.WSURL, cfg.Identity.UserID)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown relay mode %q", cfg.Relay.Mode)
	}
}

func runRelay(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "call.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}

	addr := cfg.Relay.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8790"
	}

	srv := relay.NewServer()
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "{\"connected_users\":%d}\n", srv.ConnectedUsers())
	})

	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Call Signaling Relay                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Listening on ws://%s/ws\n", addr)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Relay server failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("calld - Call terminal daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  calld run <directory>      Run a call terminal")
	fmt.Println("  calld relay <directory>    Run a websocket signaling relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Run a terminal from the specified directory")
	fmt.Println("        A default call.json is created on first run")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the websocket relay server that terminals in")
	fmt.Println("        relay.mode=ws connect to")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a terminal")
	fmt.Println("  calld run ./terminals/front-desk")
	fmt.Println()
	fmt.Println("  # Run the signaling relay")
	fmt.Println("  calld relay ./relay")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Call Terminal Daemon                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Terminal Directory: %s\n", dir)
	fmt.Printf("Config File:        %s\n", cfgPath)
	fmt.Printf("User ID:            %s\n", cfg.Identity.UserID)
	if cfg.Identity.FullName != "" {
		fmt.Printf("Display Name:       %s\n", cfg.Identity.FullName)
	}
	fmt.Printf("Relay Mode:         %s\n", cfg.Relay.Mode)
	if cfg.Call.Unattended {
		fmt.Println("Mode:               Unattended (auto-answer)")
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr := cfg.Viewer.HTTPAddr
		if addr[0] == ':' {
			addr = "127.0.0.1" + addr
		}
		fmt.Println()
		fmt.Printf("🌐 Control API:  http://%s/api/call/state\n", addr)
	}

	fmt.Println()
	fmt.Println("Starting terminal... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
