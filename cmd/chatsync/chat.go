package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bookline/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
}

// buildEngine assembles the REST client, connection manager and engine from
// the CLI configuration.
func buildEngine(cfg *Config) *chatsync.Engine {
	log := buildLogger()

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, chatsync.WithLogger(log))
	rest := chatsync.NewClient(cfg.Auth.Token, opts...)

	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = chatsync.DefaultBaseURL
	}
	conn := chatsync.NewConnectionManager(chatsync.ChannelConfig{
		URL:    strings.TrimRight(baseURL, "/") + "/ws",
		Token:  cfg.Auth.Token,
		Tokens: rest,
		Logger: log,
	})

	return chatsync.NewEngine(chatsync.Config{
		Rest:    rest,
		Channel: conn,
		Logger:  log,
	})
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open a live conversation with a peer",
	Long:  "Open the conversation with the given peer, stream incoming messages, and send lines typed on stdin.\nCommands: /reconnect forces a manual reconnect, /quit exits.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.SelfID == "" || cfg.Auth.Token == "" {
			return fmt.Errorf("not configured: set auth.self_id and auth.token first")
		}
		peerID := args[0]

		engine := buildEngine(cfg)
		defer engine.Stop()

		engine.OnMessages(renderMessages(cfg.Auth.SelfID))
		engine.OnNotice(func(n chatsync.Notice) {
			fmt.Printf("-- %s\n", n.Text)
		})
		engine.OnStateChange(func(s chatsync.ConnStatus) {
			fmt.Printf("-- connection: %s\n", s.State)
		})
		engine.OnSendFailed(func(f chatsync.SendFailure) {
			fmt.Printf("!! send failed (%s): %v — input restored: %q\n", f.Class, f.Err, f.Draft.Text)
		})
		engine.OnPeerStatus(func(ps chatsync.PeerStatus) {
			fmt.Printf("-- %s is %s\n", ps.PeerID, ps.Status)
		})

		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			// Degraded mode still delivers over REST.
			fmt.Printf("-- live channel unavailable: %v\n", err)
		}
		if err := engine.Open(ctx, cfg.Auth.SelfID, peerID); err != nil {
			fmt.Printf("-- history unavailable: %v\n", err)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case line == "/reconnect":
				if err := engine.Reconnect(ctx); err != nil {
					fmt.Printf("-- reconnect failed: %v\n", err)
				}
			default:
				sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				_, err := engine.Send(sendCtx, chatsync.Draft{Text: line})
				cancel()
				if err != nil {
					fmt.Printf("!! %v\n", err)
				}
			}
		}
		return scanner.Err()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <text...>",
	Short: "Send a single message over REST",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.SelfID == "" || cfg.Auth.Token == "" {
			return fmt.Errorf("not configured: set auth.self_id and auth.token first")
		}

		var opts []chatsync.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
		}
		rest := chatsync.NewClient(cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := rest.SendMessage(ctx, cfg.Auth.SelfID, args[0], strings.Join(args[1:], " "), "")
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.Timestamp.Format(time.RFC3339))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and identity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Printf("  Self ID:  %s\n", valueOrDefault(cfg.Auth.SelfID, "(not set)"))
		fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		return nil
	},
}

// renderMessages prints the buffer after each change, marking optimistic
// entries that have not been confirmed yet.
func renderMessages(selfID string) func([]chatsync.Message) {
	return func(msgs []chatsync.Message) {
		fmt.Println("----------------------------------------")
		for _, m := range msgs {
			who := m.SenderID
			if m.SenderID == selfID {
				who = "me"
			}
			marker := ""
			switch m.DeliveryState {
			case chatsync.DeliveryPending:
				marker = " (sending...)"
			case chatsync.DeliveryFailed:
				marker = " (failed)"
			}
			text := m.Text
			if m.AttachmentRef != "" {
				text = fmt.Sprintf("%s [attachment: %s]", text, m.AttachmentRef)
			}
			fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Format("15:04:05"), who, text, marker)
		}
	}
}
