package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lei/pushwatch/pkg/dashboard"
)

var (
	configPath string
	envFile    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the configured repositories and serve the HTTP API",
	Long: `Loads the configuration file, performs the initial push load of every
configured repository, then keeps them current from push notifications and
polling until interrupted.

Variables from the env file are set before the configuration is read, so the
file can reference them as ${VAR}.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML configuration file")
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the configuration")
	checkCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML configuration file")
	checkCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the configuration")
}

func defaultConfigPath() string {
	if p := os.Getenv("PUSHWATCH_CONFIG"); p != "" {
		return p
	}
	return "configs/pushwatch.yaml"
}

// loadEnv loads the env file; a missing file is fine since the variables
// might be set externally.
func loadEnv() {
	_ = godotenv.Load(envFile)
}

func runServe(cmd *cobra.Command, _ []string) error {
	loadEnv()

	d, err := dashboard.NewFromFile(configPath)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start the dashboard (blocks until shutdown)
	return d.Start(ctx)
}
