package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var connectionsFlags struct {
	clientConfig
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List active connections and the wait queue",
	RunE:  runConnections,
}

func init() {
	rootCmd.AddCommand(connectionsCmd)

	addClientFlags(connectionsCmd, &connectionsFlags.clientConfig)
}

func runConnections(cmd *cobra.Command, args []string) error {
	c, err := connectionsFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.ListConnections()
	if err != nil {
		return err
	}

	if len(resp.Connections) == 0 && len(resp.Queue) == 0 {
		fmt.Println("No active or queued connections.")
		return nil
	}

	if len(resp.Connections) > 0 {
		fmt.Printf("%-24s  %-16s  %-19s  %s\n", "DEVICE", "REMOTE", "ESTABLISHED", "LAST HEARTBEAT")
		for _, conn := range resp.Connections {
			established, _ := time.Parse(time.RFC3339, conn.EstablishedAt)
			heartbeat, _ := time.Parse(time.RFC3339, conn.LastHeartbeat)
			fmt.Printf("%-24s  %-16s  %-19s  %s\n",
				conn.DeviceID, conn.RemoteIP,
				established.Format("2006-01-02 15:04:05"),
				heartbeat.Format("2006-01-02 15:04:05"))
		}
	}

	if len(resp.Queue) > 0 {
		fmt.Println()
		fmt.Printf("%-8s  %-24s  %s\n", "POSITION", "DEVICE", "QUEUED")
		for _, q := range resp.Queue {
			queuedAt, _ := time.Parse(time.RFC3339, q.QueuedAt)
			fmt.Printf("%-8d  %-24s  %s\n", q.Position, q.DeviceID, queuedAt.Format("2006-01-02 15:04:05"))
		}
	}

	return nil
}
