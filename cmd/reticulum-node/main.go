// Command reticulum-node is a minimal, runnable Reticulum node: it loads
// or creates an Identity, registers one Destination, attaches either a
// loopback or a UDP Interface, and drives Transport's tick loop until
// interrupted. Grounded directly on cmd/tor-client/main.go's setup-phase
// helper functions, multiHandler slog fan-out, and signal-driven
// shutdown — generalized from Tor's consensus-fetch-then-circuit-build
// sequence to Reticulum's identity-load-then-announce-loop sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/torlando-tech/microreticulum-go/destination"
	"github.com/torlando-tech/microreticulum-go/identity"
	"github.com/torlando-tech/microreticulum-go/iface"
	"github.com/torlando-tech/microreticulum-go/rnsstore"
	"github.com/torlando-tech/microreticulum-go/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

const identityStoreKey = "identity"

func main() {
	ifaceKind := flag.String("iface", "loopback", "interface type: loopback or udp")
	udpLocal := flag.String("udp-local", "0.0.0.0:4242", "local UDP address (udp interface only)")
	udpRemote := flag.String("udp-remote", "", "remote UDP peer address (udp interface only)")
	storeDir := flag.String("store", defaultStoreDir(), "directory for persisted identity/state")
	appName := flag.String("app-name", "example", "destination app name")
	aspect := flag.String("aspect", "node", "destination aspect")
	tickInterval := flag.Duration("tick", time.Second, "core tick interval")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Reticulum Node %s ===\n", Version)

	store := rnsstore.NewFilesystem(*storeDir)
	id := loadOrCreateIdentity(store, logger)

	d, err := destination.New(id, destination.DirectionIn, destination.TypeSingle, *appName, *aspect)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create destination: %v\n", err)
		os.Exit(1)
	}

	tr := transport.New(logger)
	if err := tr.RegisterDestination(d); err != nil {
		fmt.Fprintf(os.Stderr, "register destination: %v\n", err)
		os.Exit(1)
	}
	tr.RegisterAnnounceHandler(func(destHash [destination.HashLen]byte, a *identity.Announce, hops uint8) {
		logger.Info("announce observed", "destination", fmt.Sprintf("%x", destHash), "hops", hops)
	})

	attachInterface(tr, *ifaceKind, *udpLocal, *udpRemote, logger)

	fmt.Printf("Destination: %x (%s.%s)\n", d.Hash(), *appName, *aspect)
	if err := tr.Announce(d, nil, nil); err != nil {
		logger.Warn("initial announce failed", "error", err)
	}

	runTickLoop(tr, *tickInterval, logger)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("reticulum-node.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reticulum-node"
	}
	return home + "/.reticulum-node"
}

func loadOrCreateIdentity(store rnsstore.Store, logger *slog.Logger) *identity.Identity {
	var stored storedIdentity
	if err := rnsstore.LoadValue(store, identityStoreKey, &stored); err == nil {
		id, err := stored.toIdentity()
		if err == nil {
			fmt.Println("Loaded identity from store")
			return id
		}
		logger.Warn("stored identity corrupt, generating a new one", "error", err)
	}

	id, err := identity.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate identity: %v\n", err)
		os.Exit(1)
	}
	if err := rnsstore.SaveValue(store, identityStoreKey, fromIdentity(id)); err != nil {
		logger.Warn("failed to persist new identity", "error", err)
	}
	fmt.Println("Generated new identity")
	return id
}

// storedIdentity is the msgpack-serializable form of an Identity's
// private key material: the raw Ed25519 signing seed and X25519 private
// scalar, read through Identity's SigningPrivate field and
// EncryptionPrivateBytes, and turned back into an Identity with
// identity.FromSeed.
type storedIdentity struct {
	SigningSeed    []byte `msgpack:"signing_seed"`
	EncryptionPriv []byte `msgpack:"encryption_priv"`
}

func fromIdentity(id *identity.Identity) storedIdentity {
	return storedIdentity{
		SigningSeed:    id.SigningPrivate.Seed(),
		EncryptionPriv: id.EncryptionPrivateBytes(),
	}
}

func (s storedIdentity) toIdentity() (*identity.Identity, error) {
	return identity.FromSeed(s.SigningSeed, s.EncryptionPriv)
}

func attachInterface(tr *transport.Transport, kind, udpLocal, udpRemote string, logger *slog.Logger) {
	switch kind {
	case "udp":
		if udpRemote == "" {
			fmt.Fprintln(os.Stderr, "udp interface requires -udp-remote")
			os.Exit(1)
		}
		u, err := iface.NewUDP(udpLocal, udpRemote, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "udp interface: %v\n", err)
			os.Exit(1)
		}
		if err := tr.RegisterInterface(u); err != nil {
			fmt.Fprintf(os.Stderr, "register interface: %v\n", err)
			os.Exit(1)
		}
	default:
		lo := iface.NewLoopback()
		if err := tr.RegisterInterface(lo); err != nil {
			fmt.Fprintf(os.Stderr, "register interface: %v\n", err)
			os.Exit(1)
		}
	}
}

func runTickLoop(tr *transport.Transport, interval time.Duration, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fmt.Println("Ready. Ctrl-C to stop.")
	for {
		select {
		case <-ticker.C:
			tr.PollInterfaces()
			tr.ExpireReceipts(time.Now())
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return
		}
	}
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
