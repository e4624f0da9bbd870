package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var devicesFlags struct {
	clientConfig
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List paired devices",
	Long:  `List all paired devices with their status, fingerprint, and token expiry.`,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)

	addClientFlags(devicesCmd, &devicesFlags.clientConfig)
}

func runDevices(cmd *cobra.Command, args []string) error {
	c, err := devicesFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.ListDevices()
	if err != nil {
		return err
	}

	if len(resp.Devices) == 0 {
		fmt.Println("No paired devices.")
		return nil
	}

	fmt.Printf("%-24s  %-20s  %-8s  %-19s  %s\n", "DEVICE", "NAME", "STATUS", "PAIRED", "FINGERPRINT")
	for _, d := range resp.Devices {
		pairedAt, _ := time.Parse(time.RFC3339, d.PairedAt)
		fp := d.Fingerprint
		if len(fp) > 23 {
			fp = fp[:23] + "..."
		}
		fmt.Printf("%-24s  %-20s  %-8s  %-19s  %s\n",
			d.DeviceID, d.DeviceName, d.Status, pairedAt.Format("2006-01-02 15:04:05"), fp)
	}

	return nil
}
