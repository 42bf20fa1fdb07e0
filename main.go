// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/peercall/internal/app"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/util"
)

const configFile = "peercall.json"

var (
	showHelp    = flag.Bool("h", false, "Show help")
	version     = flag.Bool("version", false, "Show version")
	openBrowser = flag.Bool("open", false, "Open the viewer in the default browser")
	watchConfig = flag.Bool("watch", true, "Reload log level and ICE servers when the config file changes")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("peercall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: peercall %s <peer-directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "peer":
		runCLIPeer(args[1], false)
	case "rendezvous":
		runCLIPeer(args[1], true)
	case "init":
		runInit(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatalf("Peer directory does not exist: %s", absDir)
	}
	return absDir
}

func runCLIPeer(peerDirArg string, rendezvousOnly bool) {
	absDir := peerDir(peerDirArg)

	cfgPath := filepath.Join(absDir, configFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	// Force rendezvous mode regardless of what the config file says.
	if rendezvousOnly {
		cfg.Rendezvous.Only = true
		cfg.Rendezvous.Host = true
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		PeerDir:     absDir,
		CfgPath:     cfgPath,
		Cfg:         cfg,
		OpenBrowser: *openBrowser,
		Watch:       *watchConfig && !rendezvousOnly,
	}); err != nil {
		fatalf("Peer failed: %v", err)
	}
	fmt.Println("\nShut down.")
}

func runInit(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg := config.Default()
	if existing, err := config.LoadPartial(cfgPath); err == nil {
		cfg = existing
	}

	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		fatalf("Save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("peercall - one-to-one audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peercall peer <directory>        Run a call endpoint")
	fmt.Println("  peercall rendezvous <directory>  Run only the rendezvous (signaling) service")
	fmt.Println("  peercall init <directory>        Create or edit the config interactively")
	fmt.Println()
	fmt.Println("The directory holds " + configFile + "; a default one is created when missing.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -open     Open the viewer in the default browser")
	fmt.Println("  -watch    Reload log level and ICE servers on config change (default true)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Host signaling and take calls from one folder")
	fmt.Println("  peercall peer ./peers/alice")
	fmt.Println()
	fmt.Println("  # Dedicated rendezvous host")
	fmt.Println("  peercall rendezvous ./peers/server")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    peercall endpoint                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Println()

	if cfg.Rendezvous.Host {
		fmt.Printf("Rendezvous:     http://%s\n", cfg.RendezvousAddr())
		if cfg.Rendezvous.Only {
			fmt.Println("Mode:           rendezvous only (no call endpoint)")
		}
	}
	if !cfg.Rendezvous.Only {
		fmt.Printf("Signaling:      %s\n", cfg.Signaling.URL)
		if cfg.Viewer.HTTPAddr != "" {
			_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
			fmt.Printf("Viewer:         %s\n", url)
		}
		if ws, err := util.NormalizeWSURL(cfg.Signaling.URL); err == nil && ws != cfg.Signaling.URL {
			fmt.Printf("                (normalized to %s)\n", ws)
		}
	}

	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
