package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <op> <key> [value]",
	Short: "Submit a kv command to a running raftnode and wait for it to commit",
	Long: `submit sends a set/get/delete/cas command to a node's admin endpoint,
which forwards it through SubmitCommandWithSession. A fresh client ID is
minted per invocation unless --client-id is given, so repeating the same
--serial with the same --client-id demonstrates the dedup path.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().String("admin-addr", "127.0.0.1:9091", "admin address of a node believed to be leader")
	submitCmd.Flags().String("client-id", "", "client ID for session dedup (auto-generated if omitted)")
	submitCmd.Flags().Uint64("serial", 0, "per-client monotonic request serial")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	clientID, _ := cmd.Flags().GetString("client-id")
	serial, _ := cmd.Flags().GetUint64("serial")

	req := submitRequest{ClientID: clientID, Serial: serial, Op: args[0], Key: args[1]}
	if len(args) == 3 {
		req.Value = []byte(args[2])
	}

	body, err := json.Marshal(req)
	if err != nil {
		return exitError{code: 2, err: err}
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s/submit", adminAddr), "application/json", bytes.NewReader(body))
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("calling %s: %w", adminAddr, err)}
	}
	defer resp.Body.Close()

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return exitError{code: 1, err: fmt.Errorf("decoding response: %w", err)}
	}
	if result.Status != "ok" {
		return exitError{code: 1, err: fmt.Errorf("submit failed: %s", result.Error)}
	}

	fmt.Printf("Client ID: %s\n", result.ClientID)
	if len(result.Result) > 0 {
		fmt.Printf("Result:    %s\n", result.Result)
	}
	return nil
}
