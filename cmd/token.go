package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbuy/shopchat/internal/auth"
)

var (
	tokenEmail  string
	tokenUserID string
	tokenName   string
	tokenAdmin  bool
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue or inspect access tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an access token for a store user",
	Long: `Issue an HS256 access token signed with the configured secret.
With --email the user is looked up in the store; otherwise --user names the id.`,
	RunE: runTokenIssue,
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Print a token's claims without verifying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claims, err := auth.DecodeUnverified(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(claims, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			fmt.Printf("expired %s ago\n", time.Since(claims.ExpiresAt.Time).Round(time.Second))
		}
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenEmail, "email", "", "Look the user up by email")
	tokenIssueCmd.Flags().StringVar(&tokenUserID, "user", "", "User id (when not using --email)")
	tokenIssueCmd.Flags().StringVar(&tokenName, "name", "", "Display name claim")
	tokenIssueCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Admin claim")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Lifetime (default auth.tokenTtlMinutes)")
	tokenCmd.AddCommand(tokenIssueCmd, tokenInspectCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret is not set (SHOPCHAT_JWT_SECRET)")
	}

	subj := auth.Subject{ID: tokenUserID, Name: tokenName, IsAdmin: tokenAdmin}
	if tokenEmail != "" {
		st, err := openStore(cfg, nil)
		if err != nil {
			return err
		}
		defer st.Close()
		u, err := st.UserByEmail(cmd.Context(), tokenEmail)
		if err != nil {
			return err
		}
		subj = auth.Subject{ID: strconv.FormatInt(u.ID, 10), Name: u.Name, IsAdmin: u.IsAdmin}
	}
	if subj.ID == "" {
		return errors.New("either --email or --user is required")
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute
	}
	tok, err := auth.NewIssuer(cfg.Auth.Secret, ttl).Issue(subj)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
