package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wapuda/dmrelay/internal/dailymotion"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Dailymotion credential tools",
}

var authCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify credentials with the password grant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireCredentials(); err != nil {
			return err
		}
		client := dailymotion.New(cfg.DailymotionAPIURL,
			dailymotion.WithScope(cfg.DailymotionScope),
			dailymotion.WithCallTimeout(cfg.DailymotionTimeout))
		tok, err := client.Authenticate(cmd.Context(), creds)
		if err != nil {
			return err
		}

		fmt.Println("=== Dailymotion ===")
		fmt.Printf("  API: %s\n", cfg.DailymotionAPIURL)
		fmt.Printf("  Username: %s\n", creds.Username)
		fmt.Println("  Credentials: valid")
		if tok.ExpiresIn > 0 {
			fmt.Printf("  Token expires: %s\n", tok.ObtainedAt.Add(time.Duration(tok.ExpiresIn)*time.Second).Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func init() {
	credentialFlags(authCheckCmd)
	authCmd.AddCommand(authCheckCmd)
}
