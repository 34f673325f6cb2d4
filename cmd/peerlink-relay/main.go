// Command peerlink-relay runs the rendezvous relay.
//
// The relay's identity lives in a backup record on disk, created on first
// start. Peers need the matching public key in their relay.toml; print it
// with -public. All rendezvous activity is appended to the log file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/identity"
	"github.com/opd-ai/peerlink/relay"
	"github.com/opd-ai/peerlink/transport"
)

func main() {
	var (
		identityPath = flag.String("identity", "relay.key", "path to the relay identity file")
		listenAddr   = flag.String("listen", ":7100", "UDP address to listen on")
		logPath      = flag.String("log", "server.log", "path to the append-only activity log")
		printPublic  = flag.Bool("public", false, "print the relay public key and exit")
		forward      = flag.Bool("forward", false, "offer ciphertext forwarding to peers whose punch failed")
		verbose      = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	store, err := loadOrCreateIdentity(*identityPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load relay identity")
	}
	defer store.Close()

	if *printPublic {
		fmt.Println(identity.FormatPublicKey(store.Local().PublicKey))
		return
	}

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open activity log")
	}
	defer logFile.Close()

	var srv *relay.Server
	err = store.UseKey(func(seed [32]byte) error {
		var e error
		srv, e = relay.NewServer(relay.Config{
			Seed:             seed,
			Policy:           config.DefaultPolicy(),
			EnableForwarding: *forward,
			ActivityLog:      logFile,
		})
		return e
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build relay server")
	}

	endpoint, err := transport.NewEndpoint(*listenAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to bind listen address")
	}
	defer endpoint.Close()

	logrus.WithFields(logrus.Fields{
		"addr":       endpoint.LocalAddr(),
		"public_key": identity.FormatPublicKey(store.Local().PublicKey),
		"forwarding": *forward,
	}).Info("Relay starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx, quicListener{endpoint}); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Relay stopped")
	}
}

// loadOrCreateIdentity reads the relay's backup record, generating and
// persisting a fresh identity on first start.
func loadOrCreateIdentity(path string) (*identity.Store, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return identity.LoadStore(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	store, err := identity.NewStore("relay")
	if err != nil {
		return nil, err
	}
	backup, err := store.ExportBackup()
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := os.WriteFile(path, backup, 0o600); err != nil {
		store.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "loadOrCreateIdentity",
		"path":     path,
	}).Info("Generated new relay identity")
	return store, nil
}

// quicListener adapts the QUIC endpoint to the relay's listener interface.
type quicListener struct {
	e *transport.Endpoint
}

func (l quicListener) Accept(ctx context.Context) (relay.Conn, error) {
	return l.e.Accept(ctx)
}
