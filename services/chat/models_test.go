// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	got, err := parseMessage([]byte(`{"message": "  What does Idan do?\n"}`), 100)
	require.NoError(t, err)
	assert.Equal(t, "What does Idan do?", got)

	_, err = parseMessage([]byte(`{"message": 123}`), 100)
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, errMessageTooLong)

	_, err = parseMessage([]byte(`{"message": "`+strings.Repeat("a", 11)+`"}`), 10)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, errMessageTooLong)

	// Limit is counted in runes, not bytes.
	_, err = parseMessage([]byte(`{"message": "`+strings.Repeat("ש", 10)+`"}`), 10)
	assert.NoError(t, err)

	// Unknown fields are ignored.
	_, err = parseMessage([]byte(`{"message": "hi", "history": []}`), 10)
	assert.NoError(t, err)
}
