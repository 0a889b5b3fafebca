// vcmtp-send — CLI entry point.
//
// This tool sends one or more files over VCMTP-v3 multicast, serving
// retransmissions to receivers over TCP until every connected receiver
// confirms it reassembled each product (or its retransmission window
// ages out).
//
// It can be launched interactively (no flags) or non-interactively via
// CLI flags (-mcast, -port, -tcpAddr, -tcpPort, -ttl, -linkspeed).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	vcmtp "github.com/vcmtp-project/sender3"
	"github.com/vcmtp-project/sender3/internal/config"
	"github.com/vcmtp-project/sender3/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mcastAddr := flag.String("mcast", "", "Multicast group address, e.g. 224.0.0.1")
	mcastPort := flag.Int("port", 0, "Multicast group port, 1~65535")
	tcpAddr := flag.String("tcpAddr", "0.0.0.0", "Local address to bind the control connection to")
	tcpPort := flag.Int("tcpPort", 0, "Local control port, 0 lets the OS choose")
	ttl := flag.Int("ttl", config.DefaultTTL, "Multicast TTL")
	iface := flag.String("iface", "", "Outgoing multicast interface IP, empty for OS default")
	linkSpeed := flag.Uint64("linkspeed", 0, "Cap multicast send rate to this many bytes/sec, 0 disables pacing")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("vcmtp-send — v%s", version))
	pterm.Println()

	files := flag.Args()

	var cfg config.Config
	if *mcastAddr == "" {
		cfg, files = runInteractive(files)
	} else {
		if *mcastPort < 1 || *mcastPort > 65535 {
			util.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}
		cfg = config.Config{
			TCPAddr:   *tcpAddr,
			TCPPort:   *tcpPort,
			McastAddr: *mcastAddr,
			McastPort: *mcastPort,
			TTL:       *ttl,
			DefaultIF: *iface,
		}
	}

	if len(files) == 0 {
		util.LogError("no files to send")
		os.Exit(1)
	}

	if err := run(ctx, cfg, *linkSpeed, files); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("all products sent and confirmed")
}

func run(ctx context.Context, cfg config.Config, linkSpeed uint64, files []string) error {
	sender, err := vcmtp.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to construct sender: %w", err)
	}
	defer sender.Stop()

	if linkSpeed > 0 {
		sender.SetLinkSpeed(linkSpeed)
	}

	if err := sender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sender: %w", err)
	}

	util.LogSuccess("sender ready — multicast %s:%d, control port %d", cfg.McastAddr, cfg.McastPort, sender.GetTCPPort())

	var mu sync.Mutex
	pending := make(map[uint32]chan struct{})
	sender.SetCompletionHandler(func(prodIndex uint32) {
		mu.Lock()
		done, ok := pending[prodIndex]
		mu.Unlock()
		if ok {
			close(done)
		}
	})

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		prodIndex, err := sender.SendProduct(data, []byte(filepath.Base(path)))
		if err != nil {
			return fmt.Errorf("send %s: %w", path, err)
		}

		// A product with no connected receivers can complete before this
		// registration runs; the one-minute fallback below covers that.
		mu.Lock()
		pending[prodIndex] = make(chan struct{})
		mu.Unlock()

		util.LogInfo("sent %s as product %d (%d bytes)", path, prodIndex, len(data))
	}

	mu.Lock()
	snapshot := make(map[uint32]chan struct{}, len(pending))
	for k, v := range pending {
		snapshot[k] = v
	}
	mu.Unlock()

	for prodIndex, done := range snapshot {
		select {
		case <-done:
			util.LogSuccess("product %d confirmed complete", prodIndex)
		case <-ctx.Done():
			return fmt.Errorf("interrupted while waiting for product %d", prodIndex)
		case <-time.After(time.Minute):
			util.LogWarning("product %d did not confirm within a minute", prodIndex)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

func runInteractive(preselectedFiles []string) (config.Config, []string) {
	addr, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Multicast group address (e.g. 224.0.0.1)").
		Show()
	pterm.Println()

	port := askPort("Multicast group port (1 ~ 65535)")

	files := preselectedFiles
	for len(files) == 0 {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Path to file to send").
			Show()
		raw = strings.TrimSpace(raw)
		if raw != "" {
			files = []string{raw}
		}
		pterm.Println()
	}

	return config.Config{
		TCPAddr:   "0.0.0.0",
		McastAddr: strings.TrimSpace(addr),
		McastPort: port,
	}, files
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
