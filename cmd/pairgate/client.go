// Package main implements the pairgate CLI.
package main

import (
	"fmt"
	"os"

	"github.com/pairgate/pairgate/internal/client"
	"github.com/spf13/cobra"
)

type clientConfig struct {
	apiKey string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.apiKey, "api-key", os.Getenv("PAIRGATE_API_KEY"), "admin API key for authentication")
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", os.Getenv("PAIRGATE_API_URL"), "API server URL")
}

func (cfg *clientConfig) newClient() (*client.Client, error) {
	if cfg.apiURL == "" {
		cfg.apiURL = "http://localhost:8765"
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("API key required (use --api-key flag or PAIRGATE_API_KEY env var)")
	}
	return client.NewClient(cfg.apiURL, cfg.apiKey), nil
}
