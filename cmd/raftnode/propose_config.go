package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var proposeConfigCmd = &cobra.Command{
	Use:   "propose-config [member-ids...]",
	Short: "Begin a joint-consensus membership change on a running cluster",
	Long: `propose-config sends the target membership (every argument is a
node ID) to a running node's admin endpoint and blocks until the change
fully commits, matching ProposeConfiguration's synchronous contract.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProposeConfig,
}

func init() {
	proposeConfigCmd.Flags().String("admin-addr", "127.0.0.1:9091", "admin address of a node believed to be leader")
	rootCmd.AddCommand(proposeConfigCmd)
}

func runProposeConfig(cmd *cobra.Command, args []string) error {
	adminAddr, _ := cmd.Flags().GetString("admin-addr")

	body, err := json.Marshal(proposeConfigRequest{Members: args})
	if err != nil {
		return exitError{code: 2, err: err}
	}

	client := &http.Client{Timeout: 35 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s/propose-config", adminAddr), "application/json", bytes.NewReader(body))
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("calling %s: %w", adminAddr, err)}
	}
	defer resp.Body.Close()

	var result proposeConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return exitError{code: 1, err: fmt.Errorf("decoding response: %w", err)}
	}
	if result.Status != "ok" {
		return exitError{code: 1, err: fmt.Errorf("configuration change failed: %s", result.Error)}
	}

	fmt.Printf("Configuration change committed: {%s}\n", strings.Join(args, ", "))
	return nil
}
