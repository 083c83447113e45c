package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/config"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show component counts and health from a running server",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "server base URL (default http://localhost:<port>)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "status")
	defer span.End()

	base := statusAddr
	if base == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		base = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, path := range []string{"/v1/status", "/v1/health/latest"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return err
		}
		if key := os.Getenv("EMPIRE_API_KEY"); key != "" {
			req.Header.Set("X-Empire-Key", key)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("querying %s: %w", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			fmt.Printf("%s: no data yet\n", path)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, body)
		}
		var pretty map[string]interface{}
		if err := json.Unmarshal(body, &pretty); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}
