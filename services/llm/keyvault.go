// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrSecretNotFound is returned when a provider API key is not configured.
var ErrSecretNotFound = errors.New("secret not found")

// APIKey holds a provider credential sealed in a memguard enclave.
//
// Description:
//
//	The plaintext only exists inside a locked buffer for the duration of a
//	Use callback. The zero value and a nil *APIKey both mean "no key", which
//	is valid for local providers such as Ollama.
//
// Thread Safety: Safe for concurrent use.
type APIKey struct {
	enclave *memguard.Enclave
}

// NewAPIKey seals value. An empty value returns nil.
func NewAPIKey(value string) *APIKey {
	if value == "" {
		return nil
	}
	return &APIKey{enclave: memguard.NewEnclave([]byte(value))}
}

// Use opens the key and passes a heap copy of the plaintext to fn. The
// locked buffer is destroyed when Use returns.
func (k *APIKey) Use(fn func(key string) error) error {
	if k == nil || k.enclave == nil {
		return fn("")
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening api key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(strings.Clone(buf.String()))
}

// Empty reports whether no key is held.
func (k *APIKey) Empty() bool {
	return k == nil || k.enclave == nil || k.enclave.Size() == 0
}

// KeyVault loads provider API keys from environment variables once and
// keeps them sealed.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type KeyVault struct {
	mu     sync.Mutex
	keys   map[string]*APIKey
	lookup func(string) string
}

// NewKeyVault creates a vault backed by os.Getenv.
func NewKeyVault() *KeyVault {
	return &KeyVault{keys: make(map[string]*APIKey), lookup: os.Getenv}
}

// Key returns the sealed key stored in the environment variable envName.
//
// Outputs:
//   - *APIKey: The sealed key. Loaded from the environment on first access.
//   - error: ErrSecretNotFound if the variable is unset or empty.
func (v *KeyVault) Key(envName string) (*APIKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if k, ok := v.keys[envName]; ok {
		return k, nil
	}
	k := NewAPIKey(v.lookup(envName))
	if k == nil {
		return nil, fmt.Errorf("secret %q: %w", envName, ErrSecretNotFound)
	}
	v.keys[envName] = k
	return k, nil
}

// Purge wipes every sealed key and all other memguard-managed memory.
// Call once during shutdown.
func (v *KeyVault) Purge() {
	v.mu.Lock()
	v.keys = make(map[string]*APIKey)
	v.mu.Unlock()
	memguard.Purge()
}
