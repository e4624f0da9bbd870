package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rotateFlags struct {
	clientConfig
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <device-id>",
	Short: "Rotate a device's bearer token",
	Long: `Issue a fresh bearer token for a device. The previous token stops
being accepted immediately. The new token is printed once.`,
	Args: cobra.ExactArgs(1),
	RunE: runRotate,
}

func init() {
	rootCmd.AddCommand(rotateCmd)

	addClientFlags(rotateCmd, &rotateFlags.clientConfig)
}

func runRotate(cmd *cobra.Command, args []string) error {
	c, err := rotateFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.RotateToken(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Token: %s\n", resp.AuthToken)
	fmt.Printf("Expires: %s\n", resp.TokenExpiresAt)
	return nil
}
