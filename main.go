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

	"github.com/petervdpas/dialp2p/internal/app"
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
		fmt.Printf("dialp2p v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	// The peer directory holds the config, identity key and call database.
	peerDir := "."
	if args := flag.Args(); len(args) > 0 {
		peerDir = args[0]
	}

	absDir, err := filepath.Abs(peerDir)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}
	cfgPath := filepath.Join(absDir, "dialp2p.json")

	printBanner(absDir, cfgPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, cfgPath); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func printBanner(dir, cfgPath string) {
	fmt.Println("dialp2p — peer-to-peer calls")
	fmt.Printf("  peer dir: %s\n", dir)
	fmt.Printf("  config:   %s\n", cfgPath)
	fmt.Println()
}

func showUsage() {
	fmt.Println("Usage: dialp2p [flags] [peer-directory]")
	fmt.Println()
	fmt.Println("Runs a calling peer out of the given directory (default \".\").")
	fmt.Println("The directory holds dialp2p.json, the identity key and the call")
	fmt.Println("database; it is created on first run.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -h         Show help")
	fmt.Println("  -version   Show version")
}
