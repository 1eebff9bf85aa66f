package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

var (
	serverURL string
	timeout   time.Duration
	api       *apiClient
)

var rootCmd = &cobra.Command{
	Use:           "studioctl",
	Short:         "Manage studio entities and their generation attempts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if api != nil {
			return nil
		}
		c, err := newAPIClient(serverURL, timeout)
		if err != nil {
			return err
		}
		api = c
		return nil
	},
}

func init() {
	server := os.Getenv("STUDIO_URL")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", server, "Studio API base url (default $STUDIO_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Per request timeout")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
