package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bookline/chatsync"
	"github.com/spf13/cobra"
)

var loginToken string

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token for the chat service")
	loginCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(rosterCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <self-id>",
	Short: "Store the chat identity and token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.SelfID = args[0]
		cfg.Auth.Token = loginToken
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s\n", args[0])
		return nil
	},
}

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Connect and print the contact roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.SelfID == "" || cfg.Auth.Token == "" {
			return fmt.Errorf("not configured: run login first")
		}

		engine := buildEngine(cfg)
		defer engine.Stop()

		got := make(chan []chatsync.RosterEntry, 1)
		engine.OnRoster(func(entries []chatsync.RosterEntry) {
			select {
			case got <- entries:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("cannot connect: %w", err)
		}

		select {
		case entries := <-got:
			for _, e := range entries {
				status := e.Status
				if status == "" {
					status = "unknown"
				}
				name := e.DisplayName
				if name == "" {
					name = e.ID
				}
				fmt.Printf("%-20s %-12s %s\n", name, status, e.ID)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("no roster received before timeout")
		}
	},
}
