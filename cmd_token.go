package main

import (
	"fmt"
	"time"

	"github.com/AnTengye/pagelens/backend/middleware"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <owner>",
	Short: "Mint a bearer token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not set")
		}

		token, expiresAt, err := middleware.GenerateToken(args[0], &cfg.Auth)
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Printf("expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
