package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keefertaylor/templewallet-extension/pkg/config"
	"github.com/keefertaylor/templewallet-extension/pkg/confirm"
	"github.com/keefertaylor/templewallet-extension/pkg/ipc"
	"github.com/keefertaylor/templewallet-extension/pkg/logging"
	"github.com/keefertaylor/templewallet-extension/pkg/storage/sqlite"
	"github.com/keefertaylor/templewallet-extension/pkg/vault"
	gitvcs "github.com/keefertaylor/templewallet-extension/pkg/vcs/git"
	"github.com/keefertaylor/templewallet-extension/pkg/wallet"
)

func main() {
	profile := flag.String("profile", "./_dev_profile", "Path to profile directory")
	socket := flag.String("socket", "", "Override IPC socket path (optional)")
	flag.Parse()

	logger := logging.New("walletd")
	logger.Printf("starting daemon with profile %s", *profile)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *profile, *socket, logger); err != nil {
		logger.Printf("fatal error: %v", err)
		os.Exit(1)
	}
}

type daemon struct {
	svc        *wallet.Service
	confirms   *confirm.Coordinator
	logger     *logging.Logger
	profileDir string
}

func run(ctx context.Context, profileDir, socketOverride string, logger *logging.Logger) error {
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return err
	}
	cfg, err := config.LoadProfile(profileDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.DefaultProfile("default")
	}
	if cfg.Logging.FilePath != "" {
		cfg.Logging.FilePath = config.ResolvePath(profileDir, cfg.Logging.FilePath)
	}
	if err := logger.Configure(cfg.Logging); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	store, err := sqlite.Open(config.ResolvePath(profileDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}

	socketPath := socketOverride
	if socketPath == "" {
		socketPath = config.ResolvePath(profileDir, cfg.IPC.SocketPath)
	}
	if err := cleanupSocket(socketPath); err != nil {
		return err
	}

	srv := ipc.NewServer(logger)
	notes := &notifier{srv: srv}

	timeout := time.Duration(cfg.Confirmation.TimeoutSeconds) * time.Second
	confirms := confirm.New(timeout, notes)

	var snap *snapshotter
	if cfg.VCS.Enabled {
		snap, err = newSnapshotter(profileDir, logger)
		if err != nil {
			logger.Printf("warning: snapshot history disabled: %v", err)
			snap = nil
		}
	}

	svc, err := wallet.New(ctx, wallet.Options{
		Logger:      logger,
		Vault:       vault.New(config.ResolvePath(profileDir, cfg.Vault.FilePath)),
		Store:       store,
		Confirms:    confirms,
		Broadcaster: notes,
		OnMutate:    snap.observe(),
	})
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}
	defer svc.Close()

	d := &daemon{svc: svc, confirms: confirms, logger: logger, profileDir: profileDir}
	d.registerHandlers(srv)

	if err := srv.Start(ctx, socketPath); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	defer func() {
		srv.Stop()
		cleanupSocket(socketPath)
	}()

	logger.Printf("daemon ready; socket at %s", socketPath)

	<-ctx.Done()
	logger.Println("shutting down")
	return nil
}

func cleanupSocket(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// notifier fans wallet and confirmation events out over the IPC server.
// It satisfies both wallet.Broadcaster and confirm.Notifier.
type notifier struct {
	srv *ipc.Server
}

func (n *notifier) StateUpdated() {
	n.srv.Broadcast(ipc.Notification{Type: ipc.NoteStateUpdated})
}

func (n *notifier) ConfirmationRequested(id string, payload json.RawMessage) {
	n.srv.Broadcast(ipc.Notification{Type: ipc.NoteConfirmationRequested, ID: id, Payload: payload})
}

func (n *notifier) ConfirmationExpired(id string) {
	n.srv.Broadcast(ipc.Notification{Type: ipc.NoteConfirmationExpired, ID: id})
}

// snapshotter persists a redacted state snapshot and commits it to the
// profile's git history after every mutation.
type snapshotter struct {
	repo   *gitvcs.Repo
	dir    string
	logger *logging.Logger
}

func newSnapshotter(profileDir string, logger *logging.Logger) (*snapshotter, error) {
	repo, err := gitvcs.Open(profileDir)
	if err != nil {
		return nil, err
	}
	return &snapshotter{repo: repo, dir: profileDir, logger: logger}, nil
}

// observe returns the mutation hook, or nil when history is disabled so
// the service skips the call entirely.
func (sn *snapshotter) observe() func(wallet.State) {
	if sn == nil {
		return nil
	}
	return func(state wallet.State) {
		if err := sn.record(state); err != nil {
			sn.logger.Printf("snapshot failed: %v", err)
		}
	}
}
