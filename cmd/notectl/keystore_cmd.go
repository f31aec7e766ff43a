package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"notegate/crypto"
	"notegate/wallet/passphrase"
)

const (
	defaultKeyEnv  = "NOTECTL_PRIVATE_KEY"
	defaultPassEnv = "NOTEGATE_KEYSTORE_PASSPHRASE"
)

var newPassphraseSource = func(env string) *passphrase.Source {
	return passphrase.NewSource(env).WithPrompt("Enter passphrase for the new keystore: ")
}

func runKeystoreImport(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("keystore-import", stderr)
	var (
		dir     string
		keyEnv  string
		passEnv string
		force   bool
	)
	fs.StringVar(&dir, "dir", "", "keystore directory (defaults to the profile KeystoreDir)")
	fs.StringVar(&keyEnv, "key-env", defaultKeyEnv, "environment variable holding the hex private key")
	fs.StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable containing the keystore passphrase")
	fs.BoolVar(&force, "force", false, "overwrite an existing keystore file for the same account")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if dir == "" {
		prof, err := loadProfile(common.profilePath)
		if err != nil {
			return printError(stderr, err.Error())
		}
		dir = prof.KeystoreDir
	}
	if strings.TrimSpace(dir) == "" {
		return printError(stderr, "--dir is required")
	}
	path, err := importKey(dir, keyEnv, newPassphraseSource(passEnv), force)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Wrote keystore to %s\n", path)
	return 0
}

func importKey(dir, keyEnv string, source *passphrase.Source, force bool) (string, error) {
	raw, ok := os.LookupEnv(keyEnv)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("environment variable %s is not set", keyEnv)
	}
	key, err := crypto.PrivateKeyFromHex(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	path := filepath.Join(dir, strings.ToLower(key.Address().Hex()[2:])+".json")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("keystore file %s already exists (use --force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	secret, err := source.Get()
	if err != nil {
		return "", err
	}
	if err := crypto.SaveToKeystore(path, key, secret); err != nil {
		return "", fmt.Errorf("failed to write keystore: %w", err)
	}
	return path, nil
}
