package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/drewfead/schedd/internal/capability"
	"github.com/drewfead/schedd/internal/config"
	"github.com/gofrs/flock"
)

// acquireLock takes the runtime directory lock so two brokers never share
// an auth key file. A config without a runtime directory runs unlocked.
func acquireLock(cfg *config.Config) (*flock.Flock, error) {
	if cfg.Broker.RuntimeDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Broker.RuntimeDir, 0700); err != nil {
		return nil, fmt.Errorf("creating runtime directory: %w", err)
	}

	lock := flock.New(cfg.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring runtime lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is locked", ErrAlreadyRunning, cfg.LockFile())
	}
	return lock, nil
}

// resolveAuthKey returns the configured auth key, or generates one and
// stores it in the runtime directory for clients to read.
func resolveAuthKey(cfg *config.Config) (string, error) {
	if cfg.Broker.AuthKey != "" {
		return cfg.Broker.AuthKey, nil
	}
	key, err := capability.NewToken()
	if err != nil {
		return "", err
	}
	if cfg.Broker.RuntimeDir == "" {
		return key, nil
	}

	path := cfg.AuthKeyFile()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(key+"\n"), 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return key, nil
}

// ClientAuthKey returns the key a client should present to the broker
// described by cfg.
func ClientAuthKey(cfg *config.Config) (string, error) {
	if cfg.Broker.AuthKey != "" {
		return cfg.Broker.AuthKey, nil
	}
	data, err := os.ReadFile(cfg.AuthKeyFile())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no auth key at %s: is the broker running?", filepath.Clean(cfg.AuthKeyFile()))
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
