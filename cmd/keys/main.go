package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fablemill/sessiond/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	envConfig := config.LoadEnv()
	cfg, err := config.Load(envConfig.ConfigPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateKey(cfg.Auth.KeysPath)
	case "list":
		listKeys(cfg.Auth.KeysPath, cfg.Auth.ActiveKID)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  generate              Generate a new RSA key pair\n")
	fmt.Fprintf(os.Stderr, "    -kid <id>           Key ID (required)\n")
	fmt.Fprintf(os.Stderr, "    -bits <size>        Key size: 2048, 3072, or 4096 (default: 2048)\n")
	fmt.Fprintf(os.Stderr, "    -path <dir>         Custom keys directory (overrides config)\n")
	fmt.Fprintf(os.Stderr, "  list                  List all available keys\n")
}

func generateKey(keysPath string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	kid := fs.String("kid", "", "Key ID (required)")
	bits := fs.Int("bits", 2048, "Key size in bits (2048, 3072, or 4096)")
	customPath := fs.String("path", "", "Custom keys directory path (overrides config)")
	fs.Parse(os.Args[2:])

	if *kid == "" {
		fmt.Fprintf(os.Stderr, "Error: key ID is required\n")
		os.Exit(1)
	}
	if *bits != 2048 && *bits != 3072 && *bits != 4096 {
		fmt.Fprintf(os.Stderr, "Error: key size must be 2048, 3072, or 4096\n")
		os.Exit(1)
	}
	if *customPath != "" {
		keysPath = *customPath
	}

	if err := os.MkdirAll(keysPath, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create keys directory: %v\n", err)
		os.Exit(1)
	}

	priv, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to generate key: %v\n", err)
		os.Exit(1)
	}

	privPath := filepath.Join(keysPath, fmt.Sprintf("private-%s.pem", *kid))
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write private key: %v\n", err)
		os.Exit(1)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to marshal public key: %v\n", err)
		os.Exit(1)
	}
	pubPath := filepath.Join(keysPath, fmt.Sprintf("public-%s.pem", *kid))
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write public key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated key pair %s (%d bits) in %s\n", *kid, *bits, keysPath)
}

func listKeys(keysPath, activeKid string) {
	files, err := os.ReadDir(keysPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read keys directory: %v\n", err)
		os.Exit(1)
	}

	for _, file := range files {
		name := file.Name()
		if !strings.HasPrefix(name, "private-") || filepath.Ext(name) != ".pem" {
			continue
		}
		kid := strings.TrimSuffix(strings.TrimPrefix(name, "private-"), ".pem")
		marker := " "
		if kid == activeKid {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, kid)
	}
}
