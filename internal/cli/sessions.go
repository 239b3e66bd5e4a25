package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shopmono/livechat/internal/client"
	"github.com/shopmono/livechat/internal/config"
)

func newSessionsCmd() *cobra.Command {
	var (
		gatewayURL string
		token      string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage chat sessions on a running gateway",
	}

	cmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "gateway base URL (default from config)")
	cmd.PersistentFlags().StringVar(&token, "token", "", "staff bearer token (required)")
	cmd.MarkPersistentFlagRequired("token")

	api := func() *client.HTTPSessionAPI {
		url := gatewayURL
		if url == "" {
			cfg, err := config.Load(paths.Config)
			if err == nil {
				scheme := "http"
				if cfg.Gateway.TLS.Enabled {
					scheme = "https"
				}
				url = fmt.Sprintf("%s://127.0.0.1:%d", scheme, cfg.Gateway.Port)
			}
		}
		return client.NewHTTPSessionAPI(url, token)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := api().ListActiveSessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No active sessions.")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%s  %-20s unread=%-3d  %s\n",
					s.ID, s.ParticipantName, s.UnreadCount, s.LastMessagePreview)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "messages <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := api().ListMessages(args[0])
			if err != nil {
				return err
			}
			for _, m := range messages {
				fmt.Printf("[%s] %s (%s): %s\n",
					m.CreatedAt.Format("15:04:05"), m.SenderName, m.SenderRole, m.Content)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session (history retained)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api().EndSession(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api().DeleteSession(args[0])
		},
	})

	return cmd
}
