package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/assistant"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/google"
)

// newGoogleCmd creates `assistclaw google` for linking the Google account.
func newGoogleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "google",
		Short: "Link the Google account (Calendar, Gmail, Contacts)",
		Long: `Authorize AssistClaw to use your Google Calendar, send email with
Gmail and read Google Contacts. Download an OAuth client of type
"Desktop app" from the Google Cloud console and point
google.credentials_file at it first.

Examples:
  assistclaw google login
  assistclaw google status`,
	}
	cmd.AddCommand(newGoogleLoginCmd(), newGoogleStatusCmd())
	return cmd
}

func newGoogleLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Run the OAuth consent flow and store the token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadEnv(cmd, false, quietOutput(cmd))
			if err != nil {
				return err
			}
			oc, err := google.OAuthConfig(rt.cfg.Google)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			noBrowser, _ := cmd.Flags().GetBool("no-browser")
			store := assistant.TokenStoreFor(rt.cfg, rt.resolver)
			tok, err := google.Login(ctx, oc, store, func(url string) {
				fmt.Println("Open this URL to authorize AssistClaw:")
				fmt.Println()
				fmt.Println("  " + url)
				fmt.Println()
				if !noBrowser {
					if err := openBrowser(url); err != nil {
						rt.logger.Debug("could not open browser", "error", err)
					}
				}
				fmt.Println("Waiting for the authorization...")
			})
			if err != nil {
				return fmt.Errorf("google login: %w", err)
			}

			fmt.Println("Google account linked.")
			if tok.RefreshToken == "" {
				fmt.Println("Warning: no refresh token was issued; remove the app from your Google account permissions and log in again.")
			}
			return nil
		},
	}
	cmd.Flags().Bool("no-browser", false, "only print the consent URL")
	return cmd
}

func newGoogleStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a token is stored",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadEnv(cmd, false, quietOutput(cmd))
			if err != nil {
				return err
			}
			tok, err := assistant.TokenStoreFor(rt.cfg, rt.resolver).LoadToken()
			if errors.Is(err, google.ErrNoToken) {
				fmt.Println("Google: not linked (run 'assistclaw google login')")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Println("Google: linked")
			fmt.Printf("  refresh token: %t\n", tok.RefreshToken != "")
			if !tok.Expiry.IsZero() {
				fmt.Printf("  access token expires: %s\n", tok.Expiry.Format(time.RFC1123))
			}
			if _, err := os.Stat(rt.cfg.Google.CredentialsFile); err != nil {
				fmt.Printf("  warning: credentials file %s not found\n", rt.cfg.Google.CredentialsFile)
			}
			return nil
		},
	}
}

func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default: // linux, etc.
		cmd = exec.Command("xdg-open", url)
	}

	return cmd.Start()
}
