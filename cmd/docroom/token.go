package main

import (
	"fmt"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/services"
	"docroom/pkg/validation"

	"github.com/spf13/cobra"
)

var (
	flagTokenName string
	flagTokenRoom string
	flagTokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the local session API",
	Long: `Issue a bearer token signed with auth.jwt_secret. The token is required on
/api/v1 and /ws when auth.enabled is set.

Examples:
  docroom token --name Ann
  docroom token --name Ann --room design-review --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := validation.ValidateDisplayName(flagTokenName); err != nil {
			return err
		}

		ttl := cfg.Auth.TokenTTL
		if cmd.Flags().Changed("ttl") {
			ttl = flagTokenTTL
		}
		if ttl <= 0 {
			return fmt.Errorf("token ttl must be > 0")
		}

		tokens := services.NewTokenService(cfg.Auth.JWTSecret, ttl)
		token, err := tokens.GenerateToken(domain.NewParticipantID(), flagTokenName, domain.RoomID(flagTokenRoom))
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenName, "name", "", "display name carried by the token")
	tokenCmd.Flags().StringVar(&flagTokenRoom, "room", "", "room the token is scoped to (informational)")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	tokenCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(tokenCmd)
}
