package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopmono/livechat/internal/config"
	"github.com/shopmono/livechat/internal/version"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show livechat status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("livechat %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			cfg, err := config.Load(paths.Config)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("Config:  not found (using defaults)")
				} else {
					fmt.Printf("Config:  error loading: %v\n", err)
				}
				return nil
			}

			fmt.Printf("Gateway: port=%d bind=%s tls=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.TLS.Enabled)
			fmt.Printf("Store:   driver=%s\n", cfg.Store.Driver)
			if cfg.Notify.Enabled {
				fmt.Printf("Notify:  command=%s\n", cfg.Notify.Command)
			}

			// Probe a running gateway, if any.
			scheme := "http"
			if cfg.Gateway.TLS.Enabled {
				scheme = "https"
			}
			url := fmt.Sprintf("%s://127.0.0.1:%d/health", scheme, cfg.Gateway.Port)
			probe := http.Client{Timeout: 2 * time.Second}
			resp, err := probe.Get(url)
			if err != nil {
				fmt.Println("Server:  not running")
			} else {
				defer resp.Body.Close()
				var health struct {
					Status   string `json:"status"`
					Version  string `json:"version"`
					UptimeMs int64  `json:"uptimeMs"`
					Conns    int    `json:"connections"`
				}
				if err := json.NewDecoder(resp.Body).Decode(&health); err == nil {
					fmt.Printf("Server:  %s, version=%s, uptime=%s, connections=%d\n",
						health.Status, health.Version,
						(time.Duration(health.UptimeMs) * time.Millisecond).Round(time.Second),
						health.Conns)
				} else {
					fmt.Printf("Server:  responded with status %d\n", resp.StatusCode)
				}
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}
}
