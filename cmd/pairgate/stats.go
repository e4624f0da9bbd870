package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statsFlags struct {
	clientConfig
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show service statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	addClientFlags(statsCmd, &statsFlags.clientConfig)
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := statsFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.Stats()
	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
