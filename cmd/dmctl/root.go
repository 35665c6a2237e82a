package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wapuda/dmrelay/internal/config"
	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/logx"
)

var (
	Version = "dev"

	configFile string
	cfg        *config.Config
	creds      dailymotion.Credentials
)

var rootCmd = &cobra.Command{
	Use:           "dmctl",
	Short:         "Operate the Dailymotion relay bot",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		base := logx.Defaults("dmctl")
		base.Format = "console"
		base.Level = "warn"
		logx.Setup(base)

		if configFile == "" {
			configFile = os.Getenv("DMRELAY_CONFIG_FILE")
		}
		c, err := config.LoadFile(configFile)
		if err != nil {
			return err
		}
		if err := c.Validate("BotToken"); err != nil {
			return err
		}
		cfg = c
		logx.Setup(c.Logging(base))
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// credentialFlags registers the Dailymotion credential flags on cmd,
// defaulting to DAILYMOTION_* environment variables.
func credentialFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&creds.APIKey, "api-key", os.Getenv("DAILYMOTION_API_KEY"), "API key")
	f.StringVar(&creds.APISecret, "api-secret", os.Getenv("DAILYMOTION_API_SECRET"), "API secret")
	f.StringVar(&creds.Username, "username", os.Getenv("DAILYMOTION_USERNAME"), "account username")
	f.StringVar(&creds.Password, "password", os.Getenv("DAILYMOTION_PASSWORD"), "account password")
}

func requireCredentials() error {
	if !creds.Complete() {
		return fmt.Errorf("all of --api-key, --api-secret, --username and --password are required")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (JSON or YAML)")
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(sessionsCmd)
}
