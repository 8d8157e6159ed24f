package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/pairbot/internal/health"
	"github.com/spf13/cobra"
)

var (
	statusURL  string
	statusGRPC string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running pairbot for its session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		out := cmd.OutOrStdout()

		if addr := firstNonEmpty(statusGRPC, cfg.GRPCHealthAddr); addr != "" {
			if strings.HasPrefix(addr, ":") {
				addr = "127.0.0.1" + addr
			}
			status, err := health.Check(ctx, addr, 5*time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "grpc health: %s\n", status)
		}

		base := firstNonEmpty(statusURL, statusBaseURL(cfg.StatusAddr))
		if base == "" {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/api/status", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("query status server: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		var body struct {
			State  string `json:"state"`
			Ready  bool   `json:"ready"`
			Uptime string `json:"uptime"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}
		if body.Ready {
			green.Fprintf(out, "✓ %s (uptime %s)\n", body.State, body.Uptime)
		} else {
			red.Fprintf(out, "%s (uptime %s)\n", body.State, body.Uptime)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "status server base URL (default derived from STATUS_ADDR)")
	statusCmd.Flags().StringVar(&statusGRPC, "grpc", "", "gRPC health address (default GRPC_HEALTH_ADDR)")
}

// statusBaseURL turns a listen address like ":8080" into a local URL.
func statusBaseURL(addr string) string {
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
