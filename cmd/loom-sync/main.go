// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Loom-sync is a headless sync runner: it connects a logged-in device
// to its homeserver, runs the sync engine with full end-to-end
// encryption, and logs room updates as they commit. Useful for soak
// testing an account and for keeping a device's key backup current
// without a UI attached.
//
// Configuration comes from a single YAML file passed via --config; the
// access token is read from a separate file so the config itself can
// be world-readable. Secret storage is unlocked interactively when
// --unlock is given.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/secret"
	"github.com/loom-im/loom/session"
	"github.com/loom-im/loom/storage"
	"github.com/loom-im/loom/syncer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// fileConfig is the YAML configuration for one device.
type fileConfig struct {
	// HomeserverURL is the base URL of the homeserver, e.g.
	// "https://matrix.example.org".
	HomeserverURL string `yaml:"homeserver_url"`

	// UserID and DeviceID identify the logged-in device.
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`

	// AccessTokenFile is the path to a file holding the access token.
	AccessTokenFile string `yaml:"access_token_file"`

	// Database is the path of the sqlite database. Created on first run.
	Database string `yaml:"database"`
}

func (c *fileConfig) validate() error {
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"homeserver_url", c.HomeserverURL},
		{"user_id", c.UserID},
		{"device_id", c.DeviceID},
		{"access_token_file", c.AccessTokenFile},
		{"database", c.Database},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config is missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func run() error {
	var (
		configPath string
		unlock     string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", "", "path to the YAML config file (required)")
	pflag.StringVar(&unlock, "unlock", "", "unlock secret storage on startup: \"passphrase\" or \"recovery-key\"")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var config fileConfig
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := config.validate(); err != nil {
		return err
	}
	userID, err := ref.ParseUserID(config.UserID)
	if err != nil {
		return fmt.Errorf("config user_id: %w", err)
	}
	deviceID, err := ref.ParseDeviceID(config.DeviceID)
	if err != nil {
		return fmt.Errorf("config device_id: %w", err)
	}

	token, err := secret.ReadFromPath(config.AccessTokenFile)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	defer token.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := homeserver.NewClient(homeserver.ClientConfig{HomeserverURL: config.HomeserverURL})
	if err != nil {
		return err
	}
	hs, err := client.SessionFromToken(userID, deviceID, strings.TrimSpace(token.String()))
	if err != nil {
		return err
	}
	defer hs.Close()

	db, err := storage.Open(storage.Config{Path: config.Database})
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := session.New(ctx, session.Config{
		Homeserver: hs,
		DB:         db,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if unlock != "" {
		if err := unlockSecretStorage(ctx, sess, unlock); err != nil {
			return err
		}
	}

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting sync: %w", err)
	}
	logger.Info("sync started", "user_id", userID, "device_id", deviceID)

	return watch(ctx, sess, logger)
}

// unlockSecretStorage prompts for the chosen credential and unlocks
// secret storage, enabling the key backup if the account has one.
func unlockSecretStorage(ctx context.Context, sess *session.Session, mode string) error {
	switch mode {
	case "passphrase":
		entered, err := promptSecret("Secret storage passphrase: ")
		if err != nil {
			return err
		}
		passphrase, err := secret.NewFromBytes(entered)
		if err != nil {
			return err
		}
		defer passphrase.Close()
		return sess.UnlockWithPassphrase(ctx, passphrase)
	case "recovery-key":
		entered, err := promptSecret("Recovery key: ")
		if err != nil {
			return err
		}
		return sess.UnlockWithRecoveryKey(ctx, string(entered))
	default:
		return fmt.Errorf("unknown --unlock mode %q (want \"passphrase\" or \"recovery-key\")", mode)
	}
}

func promptSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("--unlock requires an interactive terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	entered, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(entered) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	return entered, nil
}

// watch logs sync transitions and committed room updates until the
// context is cancelled or the sync loop dies.
func watch(ctx context.Context, sess *session.Session, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			sess.Stop()
			logger.Info("shutting down")
			return nil
		case update := <-sess.SyncUpdates():
			if update.Err != nil {
				return fmt.Errorf("sync stopped: %w", update.Err)
			}
			logger.Info("sync state", "status", update.Status)
			if update.Status == syncer.StatusStopped {
				return errors.New("sync stopped unexpectedly")
			}
		case room := <-sess.Updates():
			logger.Info("room update",
				"room_id", room.RoomID,
				"membership", room.Membership,
				"new_events", room.NewEvents)
		}
	}
}
