package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/ageniuscoder/corelink/internal/auth"
	"github.com/ageniuscoder/corelink/internal/config"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a relay token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			if user == "" {
				user = cfg.UserID
			}
			if ttl <= 0 {
				ttl = cfg.JWTTTL()
			}
			tok, err := auth.NewToken(cfg.JWTSecret, user, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to USER_ID)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_TTL_MIN)")
	return cmd
}
