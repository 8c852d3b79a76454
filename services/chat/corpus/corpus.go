// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package corpus holds the biography passages the chat service retrieves
// from. The corpus is immutable once built.
package corpus

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyCorpus is returned when a corpus has no usable passages.
var ErrEmptyCorpus = errors.New("corpus has no passages")

// Passage is one retrievable unit of biography text.
type Passage struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

// Corpus is an ordered, immutable list of passages. Order is significant:
// it breaks similarity ties.
type Corpus struct {
	passages []Passage
}

// New builds a Corpus, assigning "p<N>" IDs to passages that lack one.
func New(passages []Passage) (*Corpus, error) {
	out := make([]Passage, 0, len(passages))
	seen := make(map[string]struct{}, len(passages))
	for i, p := range passages {
		p.Text = strings.TrimSpace(p.Text)
		if p.Text == "" {
			return nil, fmt.Errorf("passage %d: empty text", i)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("p%d", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("passage %d: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrEmptyCorpus
	}
	return &Corpus{passages: out}, nil
}

// Len returns the number of passages.
func (c *Corpus) Len() int { return len(c.passages) }

// Passage returns the i-th passage.
func (c *Corpus) Passage(i int) Passage { return c.passages[i] }

// Passages returns a copy of all passages in order.
func (c *Corpus) Passages() []Passage {
	out := make([]Passage, len(c.passages))
	copy(out, c.passages)
	return out
}

// Texts returns the passage texts in order.
func (c *Corpus) Texts() []string {
	out := make([]string, len(c.passages))
	for i, p := range c.passages {
		out[i] = p.Text
	}
	return out
}

type corpusFile struct {
	Passages []Passage `yaml:"passages"`
}

// Load reads a YAML corpus file of the form:
//
//	passages:
//	  - id: role
//	    text: "..."
func Load(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus %s: %w", path, err)
	}
	var f corpusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing corpus %s: %w", path, err)
	}
	c, err := New(f.Passages)
	if err != nil {
		return nil, fmt.Errorf("corpus %s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in biography corpus.
func Default() *Corpus {
	c, err := New(defaultPassages)
	if err != nil {
		panic(err)
	}
	return c
}

var defaultPassages = []Passage{
	{ID: "role", Text: "My name is Idan Assis. I am a Data Science and Machine Learning Engineer at Intel, where I develop and deploy machine learning models to enhance data-driven decision-making. My work includes analyzing large-scale datasets using tools like Splunk and OpenSearch, building predictive models, and creating dashboards to visualize insights effectively."},
	{ID: "education", Text: "I hold a Bachelor's degree in Electrical and Electronic Engineering (with honors) and am pursuing a Master's in Electrical Engineering, specializing in data science and signal processing. My final project utilized transformers to classify movies from fMRI data, demonstrating the correlation between neural and artificial representations, achieving top recognition."},
	{ID: "skills", Text: "My technical expertise includes Python, SQL, Pandas, NumPy, Scikit-learn, TensorFlow, and PyTorch. I specialize in developing machine learning models, preprocessing data, feature engineering, and creating pipelines for end-to-end ML solutions."},
	{ID: "career", Text: "I transitioned from System Validation Engineer to Data Analyst and now to Data Science and Machine Learning Engineer, showcasing my growth and focus on leveraging machine learning techniques to solve complex problems and deliver actionable insights."},
	{ID: "photography", Text: "In addition to my technical expertise, I am also a professional photographer with experience in using tools like Photoshop and Lightroom. My creativity and attention to detail extend beyond my professional work in data science, enriching my approach to problem-solving and visualization."},
	{ID: "goals", Text: "I aim to drive impactful results in machine learning and data science by building robust models, uncovering valuable insights from data, and contributing to innovative projects that solve real-world problems."},
}
