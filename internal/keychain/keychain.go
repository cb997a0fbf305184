// Package keychain stores the real-time API key.
package keychain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

var (
	ErrNotFound = errors.New("keychain: no API key stored")
	ErrReadOnly = errors.New("keychain: store is read-only")
)

// Store holds a single secret.
type Store interface {
	Get() (string, error)
	Set(secret string) error
	Delete() error
}

// Keyring keeps the secret in the OS keychain under Service/User.
type Keyring struct {
	Service string
	User    string
}

const defaultUser = "siri-api-key"

func NewKeyring(service string) Keyring {
	return Keyring{Service: service, User: defaultUser}
}

func (k Keyring) Get() (string, error) {
	v, err := keyring.Get(k.Service, k.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", k.Service, err)
	}
	return v, nil
}

func (k Keyring) Set(secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("keychain: empty secret")
	}
	if err := keyring.Set(k.Service, k.User, secret); err != nil {
		return fmt.Errorf("keyring set %s: %w", k.Service, err)
	}
	return nil
}

func (k Keyring) Delete() error {
	err := keyring.Delete(k.Service, k.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("keyring delete %s: %w", k.Service, err)
	}
	return nil
}

// Env is a read-only store over a configured value.
type Env string

func (e Env) Get() (string, error) {
	if strings.TrimSpace(string(e)) == "" {
		return "", ErrNotFound
	}
	return strings.TrimSpace(string(e)), nil
}

func (Env) Set(string) error { return ErrReadOnly }
func (Env) Delete() error    { return ErrReadOnly }

// Chain reads from the first store holding a secret. Writes go to the first writable store.
type Chain []Store

func (c Chain) Get() (string, error) {
	for _, s := range c {
		v, err := s.Get()
		if err == nil && v != "" {
			return v, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}

func (c Chain) Set(secret string) error {
	for _, s := range c {
		err := s.Set(secret)
		if errors.Is(err, ErrReadOnly) {
			continue
		}
		return err
	}
	return ErrReadOnly
}

// Delete removes the secret from every writable store.
func (c Chain) Delete() error {
	found := false
	for _, s := range c {
		err := s.Delete()
		switch {
		case err == nil:
			found = true
		case errors.Is(err, ErrReadOnly), errors.Is(err, ErrNotFound):
		default:
			return err
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Source reports where the active secret comes from: "env", "keyring" or "" when none.
func Source(c Chain) string {
	for _, s := range c {
		if v, err := s.Get(); err == nil && v != "" {
			switch s.(type) {
			case Env:
				return "env"
			case Keyring:
				return "keyring"
			default:
				return fmt.Sprintf("%T", s)
			}
		}
	}
	return ""
}
