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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKey_Use(t *testing.T) {
	k := NewAPIKey("sk-test-value")
	require.NotNil(t, k)
	assert.False(t, k.Empty())

	var seen string
	require.NoError(t, k.Use(func(key string) error {
		seen = key
		return nil
	}))
	assert.Equal(t, "sk-test-value", seen)

	// The value stays valid after the enclave buffer is destroyed.
	for i := 0; i < 3; i++ {
		require.NoError(t, k.Use(func(key string) error {
			seen = key
			return nil
		}))
	}
	assert.Equal(t, "sk-test-value", seen)
	assert.Equal(t, len("sk-test-value"), len(seen))

	boom := errors.New("boom")
	assert.ErrorIs(t, k.Use(func(string) error { return boom }), boom)
}

func TestAPIKey_NilMeansNoKey(t *testing.T) {
	var k *APIKey
	assert.True(t, k.Empty())
	assert.Nil(t, NewAPIKey(""))

	var seen = "unset"
	require.NoError(t, k.Use(func(key string) error {
		seen = key
		return nil
	}))
	assert.Equal(t, "", seen)
}

func TestKeyVault_Key(t *testing.T) {
	lookups := 0
	v := NewKeyVault()
	v.lookup = func(name string) string {
		lookups++
		if name == "OPENAI_API_KEY" {
			return "sk-from-env"
		}
		return ""
	}

	k1, err := v.Key("OPENAI_API_KEY")
	require.NoError(t, err)
	k2, err := v.Key("OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Same(t, k1, k2)
	assert.Equal(t, 1, lookups, "key is read from the environment once")

	_, err = v.Key("GEMINI_API_KEY")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}
