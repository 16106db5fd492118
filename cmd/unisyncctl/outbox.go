package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SolidCitadel/UniSync/pkg/httpclient"
	"github.com/SolidCitadel/UniSync/pkg/outbox"
)

// outboxStatusResponse は /internal/outbox/status の応答。
type outboxStatusResponse struct {
	Status          outbox.Status `json:"status"`
	DegradedRecords []struct {
		ID             string    `json:"id"`
		EventType      string    `json:"eventType"`
		IdempotencyKey string    `json:"idempotencyKey"`
		Attempts       int       `json:"attempts"`
		LastError      string    `json:"lastError"`
		CreatedAt      time.Time `json:"createdAt"`
	} `json:"degradedRecords"`
}

// outboxCmd はアウトボックスの操作コマンド。
func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox operations",
	}
	cmd.AddCommand(outboxStatusCmd())
	return cmd
}

// outboxStatusCmd はサービスのアウトボックス滞留状況を表示するコマンド。
func outboxStatusCmd() *cobra.Command {
	var (
		url     string
		apiKey  string
		output  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the outbox backlog of a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := httpclient.New(url, httpclient.WithAPIKey(apiKey), httpclient.WithTimeout(timeout))

			var resp outboxStatusResponse
			if err := client.GetJSON(cmd.Context(), "/internal/outbox/status", &resp); err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}

			if output == "json" {
				b, err := json.MarshalIndent(resp, "", "  ")
				if err != nil {
					return err
				}
				printf(cmd, "%s\n", b)
				return nil
			}

			printf(cmd, "pending:  %d\n", resp.Status.Pending)
			printf(cmd, "degraded: %d\n", resp.Status.Degraded)
			if resp.Status.OldestPendingAt != nil {
				printf(cmd, "oldest:   %s\n", resp.Status.OldestPendingAt.Format(time.RFC3339))
			}
			for _, r := range resp.DegradedRecords {
				printf(cmd, "  %s %s attempts=%d error=%q\n", r.ID, r.EventType, r.Attempts, r.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Service base URL, e.g. http://user:8081 (required)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Internal service API key")
	cmd.Flags().StringVar(&output, "output", "text", "Output format: text, json")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
