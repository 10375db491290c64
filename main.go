// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mvankuijk/parlo/internal/app"
	"github.com/mvankuijk/parlo/internal/config"
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
		fmt.Printf("Parlo v%s\n", appVersion)
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
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parlo peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parlo init <peer-directory>")
			os.Exit(1)
		}
		runInit(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "parlo.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		log.Printf("Created default config: %s", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runInit(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Failed to create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "parlo.json")
	if _, err := os.Stat(cfgPath); err == nil {
		log.Fatalf("Config already exists: %s", cfgPath)
	}
	if err := config.Save(cfgPath, config.Default()); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	fmt.Printf("Initialized peer directory: %s\n", absDir)
	fmt.Printf("Config written to:          %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("Parlo - peer-to-peer voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parlo peer <directory>   Run a peer from the specified directory")
	fmt.Println("  parlo init <directory>   Create a peer directory with a default config")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a calling peer. The directory holds parlo.json and the")
	fmt.Println("        identity key; both are created on first run if missing.")
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Create the directory and write a default parlo.json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First run")
	fmt.Println("  parlo init ./peers/alice")
	fmt.Println("  parlo peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Parlo Peer Runner                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.Label != "" {
		fmt.Printf("Peer Label:     %s\n", cfg.Profile.Label)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
