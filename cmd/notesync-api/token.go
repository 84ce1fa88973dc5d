package main

import (
	"fmt"
	"strings"

	"github.com/notemax/notesync/internal/auth"
	"github.com/notemax/notesync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type mintTokenOptions struct {
	userID      string
	email       string
	displayName string
}

// newMintTokenCommand issues a session token signed with the configured secret, for local
// development and smoke tests against a running server.
func newMintTokenCommand() *cobra.Command {
	options := mintTokenOptions{}
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(auth.SessionIdentity{
				UserID:      strings.TrimSpace(options.userID),
				Email:       options.email,
				DisplayName: options.displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&options.userID, "user-id", "", "User id carried in the token subject")
	cmd.Flags().StringVar(&options.email, "email", "", "User email, used for share lookups")
	cmd.Flags().StringVar(&options.displayName, "display-name", "", "User display name")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
