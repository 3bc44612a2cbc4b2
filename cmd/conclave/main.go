// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"filippo.io/age"
	"github.com/spf13/pflag"

	"github.com/conclave-im/conclave/group"
	"github.com/conclave-im/conclave/group/groupstore"
	"github.com/conclave-im/conclave/identity"
	"github.com/conclave-im/conclave/lib/config"
	"github.com/conclave-im/conclave/lib/sqlitepool"
)

const versionString = "conclave 0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "keygen":
		return runKeygen(os.Args[2:])
	case "fingerprint":
		return runFingerprint(os.Args[2:])
	case "sweep":
		return runSweep(os.Args[2:])
	case "version":
		fmt.Println(versionString)
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: conclave <subcommand> [flags]

Subcommands:
  keygen       Generate an identity (age + signing keypair)
  fingerprint  Recompute the fingerprint for a contact card's keys
  sweep        Flip expired pending invitations in the store
  version      Print version information

Run 'conclave <subcommand> --help' for subcommand flags.
`)
}

// runKeygen generates a full identity. The public half (the contact
// card fields) goes to stdout for sharing; the private keys go to
// stderr for safekeeping.
func runKeygen(args []string) error {
	flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	name := flags.String("name", "", "display name to embed in the contact card")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ageIdentity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating age keypair: %w", err)
	}
	signingPublic, signingPrivate, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generating signing keypair: %w", err)
	}

	encryptionKey := ageIdentity.Recipient().String()
	fingerprint := identity.FingerprintOf(encryptionKey, signingPublic)

	fmt.Fprintf(os.Stderr, "# Private keys (keep these secret — store securely):\n")
	fmt.Fprintf(os.Stderr, "age_private_key: %s\n", ageIdentity.String())
	fmt.Fprintf(os.Stderr, "signing_private_key: %s\n", base64.StdEncoding.EncodeToString(signingPrivate.Seed()))

	fmt.Printf("fingerprint: %s\n", fingerprint)
	if *name != "" {
		fmt.Printf("name: %s\n", *name)
	}
	fmt.Printf("encryption_key: %s\n", encryptionKey)
	fmt.Printf("signing_key: %s\n", base64.StdEncoding.EncodeToString(signingPublic))
	return nil
}

// runFingerprint recomputes the fingerprint binding a pair of public
// keys, for verifying a contact card received out of band.
func runFingerprint(args []string) error {
	flags := pflag.NewFlagSet("fingerprint", pflag.ContinueOnError)
	encryptionKey := flags.String("encryption-key", "", "age public key (age1...)")
	signingKey := flags.String("signing-key", "", "Ed25519 public key, base64")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *encryptionKey == "" || *signingKey == "" {
		return fmt.Errorf("--encryption-key and --signing-key are required")
	}

	if _, err := age.ParseX25519Recipient(*encryptionKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	signingPublic, err := base64.StdEncoding.DecodeString(*signingKey)
	if err != nil {
		return fmt.Errorf("decoding signing key: %w", err)
	}
	if len(signingPublic) != ed25519.PublicKeySize {
		return fmt.Errorf("signing key is %d bytes, want %d", len(signingPublic), ed25519.PublicKeySize)
	}

	fmt.Println(identity.FingerprintOf(*encryptionKey, signingPublic))
	return nil
}

// runSweep opens the configured store and flips every expired pending
// invitation in one pass. Intended for cron-style housekeeping; lazy
// evaluation keeps the system correct without it.
func runSweep(args []string) error {
	flags := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the config file (or set "+config.EnvVar+")")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is not configured; nothing to sweep")
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := groupstore.Open(sqlitepool.Config{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	controller := group.NewController(store, group.Options{
		Logger: logger,
		DefaultPolicy: group.Policy{
			MaxMembers:         cfg.Groups.MaxMembers,
			AllowMemberInvites: cfg.Groups.AllowMemberInvites,
		},
	})
	flipped, err := controller.SweepExpired()
	if err != nil {
		return err
	}
	fmt.Printf("expired invitations flipped: %d\n", flipped)
	return nil
}
