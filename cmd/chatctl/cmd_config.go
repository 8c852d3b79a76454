// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/portfolio-chat/services/chat/config"
	"github.com/AleutianAI/portfolio-chat/services/llm"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with the service configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Validate and print the effective configuration",
		Long: `Loads --config, applies CHAT_* environment overrides and defaults,
validates the result and prints it as YAML. API keys are never part of
the configuration and are not printed; credentials embedded in store
URLs are redacted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), llm.SafeLogString(string(out)))
			return err
		},
	})
	return cmd
}
