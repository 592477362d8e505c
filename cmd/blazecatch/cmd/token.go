package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazecatch/internal/api/auth"
)

var (
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API bearer token",
	Long: `Mint a bearer token signed with api.jwt_secret (or the
BLAZECATCH_JWT_SECRET environment variable).

The extension needs a write token to start sessions and post captures.
Read tokens can list sessions and open notice streams.

Examples:
  blazecatch token -c config.yaml --subject extension --scope write
  blazecatch token --subject dashboard --scope read --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.API.JWTSecret == "" {
			return fmt.Errorf("api.jwt_secret is not set, authentication is disabled")
		}
		for _, s := range tokenScopes {
			if s != auth.ScopeRead && s != auth.ScopeWrite {
				return fmt.Errorf("unknown scope %q (want %s or %s)", s, auth.ScopeRead, auth.ScopeWrite)
			}
		}

		ttl := cfg.API.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}

		svc := auth.NewJWTService([]byte(cfg.API.JWTSecret), ttl)
		token, err := svc.GenerateToken(tokenSubject, tokenScopes...)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		PrintVerbose("token for %q expires in %s", tokenSubject, svc.TTL())
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "extension", "token subject")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{auth.ScopeWrite}, "granted scopes (read, write)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (overrides api.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}
