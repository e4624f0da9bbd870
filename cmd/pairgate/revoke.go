package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var revokeFlags struct {
	clientConfig
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a paired device",
	Long: `Revoke a device's pairing. Its certificate and token stop being
accepted and any live connection is disconnected.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevoke,
}

func init() {
	rootCmd.AddCommand(revokeCmd)

	addClientFlags(revokeCmd, &revokeFlags.clientConfig)
}

func runRevoke(cmd *cobra.Command, args []string) error {
	c, err := revokeFlags.newClient()
	if err != nil {
		return err
	}

	deviceID := args[0]
	if err := c.RevokeDevice(deviceID); err != nil {
		return err
	}

	result := struct {
		DeviceID string `json:"device_id"`
		Revoked  bool   `json:"revoked"`
	}{
		DeviceID: deviceID,
		Revoked:  true,
	}

	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
