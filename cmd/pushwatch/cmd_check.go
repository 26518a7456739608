package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lei/pushwatch/internal/config"
	"github.com/lei/pushwatch/internal/store"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and print the watched repositories",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	loadEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend: %s\n", cfg.Backend.URL)
	if cfg.Notify.Enabled {
		fmt.Fprintf(out, "notify:  %s\n", cfg.Notify.URL)
	}
	for _, r := range cfg.Repos {
		q, err := store.ParseQuery(r.Values())
		if err != nil {
			return fmt.Errorf("repository %s: %w", r.Name, err)
		}
		polling := "polling"
		if !q.PollingEnabled() {
			polling = "fixed window"
		}
		fmt.Fprintf(out, "repo:    %s %s (%s)\n", r.Name, q.String(), polling)
	}
	return nil
}
