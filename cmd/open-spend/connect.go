package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/open-sspm/open-spend/internal/config"
	"github.com/open-sspm/open-spend/internal/connectors/quickbooks"
	"github.com/open-sspm/open-spend/internal/connectors/stripe"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var connectFlags struct {
	org      string
	user     string
	customer string
	code     string
	realm    string
	state    string
}

var connectCmd = &cobra.Command{
	Use:         "connect",
	Short:       "Connect an integration for an organization.",
	Annotations: map[string]string{annotationPlainOutput: "true"},
}

var connectStripeCmd = &cobra.Command{
	Use:   "stripe",
	Short: "Connect Stripe. The secret key is read from the terminal without echo, or from stdin.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Stripe secret key: ")
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			config := map[string]string{stripe.ConfigCustomerID: connectFlags.customer}
			resp, err := a.service.ConnectAPIKey(ctx, connectFlags.org, connectFlags.user, stripe.Name, key, config)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		})
	},
}

var connectQuickBooksCmd = &cobra.Command{
	Use:   "quickbooks",
	Short: "Print the QuickBooks consent URL, or finish the flow with --code and --realm.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if strings.TrimSpace(connectFlags.code) == "" {
				auth, err := a.service.AuthorizationURL(connectFlags.org, connectFlags.user, quickbooks.Name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to authorize QuickBooks:\n%s\n\nstate: %s\n", auth.AuthURL, auth.State)
				return nil
			}
			resp, err := a.service.CompleteOAuth(ctx, connectFlags.org, connectFlags.user, quickbooks.Name,
				connectFlags.code, connectFlags.realm, connectFlags.state)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		})
	},
}

func init() {
	connectCmd.PersistentFlags().StringVar(&connectFlags.org, "org", "", "organization id")
	connectCmd.PersistentFlags().StringVar(&connectFlags.user, "user", "", "user recorded as connecting the integration")
	_ = connectCmd.MarkPersistentFlagRequired("org")

	connectStripeCmd.Flags().StringVar(&connectFlags.customer, "customer", "", "default Stripe customer id")
	connectQuickBooksCmd.Flags().StringVar(&connectFlags.code, "code", "", "authorization code from the redirect")
	connectQuickBooksCmd.Flags().StringVar(&connectFlags.realm, "realm", "", "realmId from the redirect")
	connectQuickBooksCmd.Flags().StringVar(&connectFlags.state, "state", "", "state from the redirect")

	connectCmd.AddCommand(connectStripeCmd, connectQuickBooksCmd)
}

// withApp runs fn against a freshly opened app.
func withApp(fn func(context.Context, *app) error) error {
	cfg, err := config.LoadOptionalDB()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// readSecret prompts without echo when in is a terminal and otherwise reads
// the first line of in.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, label)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return requireSecret(string(raw))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return requireSecret(line)
}

func requireSecret(raw string) (string, error) {
	secret := strings.TrimSpace(raw)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	return secret, nil
}
