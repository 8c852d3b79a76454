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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/portfolio-chat/services/chat/config"
	"github.com/AleutianAI/portfolio-chat/services/chat/index"
	"github.com/AleutianAI/portfolio-chat/services/chat/queue"
	"github.com/AleutianAI/portfolio-chat/services/llm"
)

type stubRetriever struct {
	initErr  error
	queryErr error
	context  string
	gotK     int
}

func (s *stubRetriever) Initialize(context.Context) error { return s.initErr }

func (s *stubRetriever) Query(_ context.Context, _ string, k int) (string, error) {
	s.gotK = k
	return s.context, s.queryErr
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("passage one\n\npassage two", "Where did Idan study?")
	assert.Equal(t,
		"Context:\npassage one\n\npassage two\n\nUser Query:\nWhere did Idan study?\n\nAssistant Answer:",
		got)
}

func TestProcessor_Process(t *testing.T) {
	var gotSystem, gotPrompt string
	var gotMax int
	var gotTemp float32
	completer := llm.CompleterFunc(func(_ context.Context, system, prompt string, maxTokens int, temp float32) (string, error) {
		gotSystem, gotPrompt, gotMax, gotTemp = system, prompt, maxTokens, temp
		return "He is an engineer.", nil
	})
	r := &stubRetriever{context: "Idan is a software engineer."}
	p := NewProcessor(r, completer, ProcessorConfig{Temperature: 0.7})

	reply, err := p.Process(context.Background(), queue.Request{ID: "r1", Message: "What does Idan do?"})
	require.NoError(t, err)
	assert.Equal(t, "He is an engineer.", reply)
	assert.Equal(t, config.DefaultSystemPrompt, gotSystem)
	assert.Equal(t, BuildPrompt("Idan is a software engineer.", "What does Idan do?"), gotPrompt)
	assert.Equal(t, DefaultMaxTokens, gotMax)
	assert.InDelta(t, 0.7, gotTemp, 1e-6)
	assert.Equal(t, index.DefaultTopK, r.gotK)
}

func TestProcessor_Failures(t *testing.T) {
	boom := errors.New("boom")
	never := llm.CompleterFunc(func(context.Context, string, string, int, float32) (string, error) {
		t.Fatal("completer must not be called")
		return "", nil
	})

	_, err := NewProcessor(&stubRetriever{initErr: boom}, never, ProcessorConfig{}).
		Process(context.Background(), queue.Request{Message: "hi"})
	assert.ErrorIs(t, err, boom)

	_, err = NewProcessor(&stubRetriever{queryErr: index.ErrNotInitialized}, never, ProcessorConfig{}).
		Process(context.Background(), queue.Request{Message: "hi"})
	assert.ErrorIs(t, err, index.ErrNotInitialized)

	failing := llm.CompleterFunc(func(context.Context, string, string, int, float32) (string, error) {
		return "", llm.ErrUpstream
	})
	_, err = NewProcessor(&stubRetriever{}, failing, ProcessorConfig{}).
		Process(context.Background(), queue.Request{Message: "hi"})
	assert.ErrorIs(t, err, llm.ErrUpstream)
}

func TestProcessor_CustomConfig(t *testing.T) {
	var gotSystem string
	var gotMax int
	completer := llm.CompleterFunc(func(_ context.Context, system, _ string, maxTokens int, _ float32) (string, error) {
		gotSystem, gotMax = system, maxTokens
		return "ok", nil
	})
	r := &stubRetriever{}
	p := NewProcessor(r, completer, ProcessorConfig{SystemPrompt: "Be brief.", MaxTokens: 42, TopK: 4})

	_, err := p.Process(context.Background(), queue.Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", gotSystem)
	assert.Equal(t, 42, gotMax)
	assert.Equal(t, 4, r.gotK)
}
