package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the consensus status of a running raftnode",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("admin-addr", "127.0.0.1:9091", "admin address of the node to query")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	adminAddr, _ := cmd.Flags().GetString("admin-addr")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", adminAddr))
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("querying %s: %w", adminAddr, err)}
	}
	defer resp.Body.Close()

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return exitError{code: 1, err: fmt.Errorf("decoding response: %w", err)}
	}

	fmt.Printf("Node ID:      %s\n", status.NodeID)
	fmt.Printf("Role:         %s\n", status.Role)
	fmt.Printf("Term:         %d\n", status.Term)
	fmt.Printf("Commit index: %d\n", status.CommitIndex)
	fmt.Printf("Last applied: %d\n", status.LastApplied)
	if status.LeaderHint != "" {
		fmt.Printf("Leader hint:  %s\n", status.LeaderHint)
	}
	return nil
}
