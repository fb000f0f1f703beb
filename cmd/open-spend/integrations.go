package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/open-sspm/open-spend/internal/integrations"
	"github.com/spf13/cobra"
)

var integrationsOrg string

var integrationsCmd = &cobra.Command{
	Use:         "integrations",
	Short:       "List integrations and their connection state for an organization.",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationPlainOutput: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			list, err := a.service.List(ctx, integrationsOrg)
			if err != nil {
				return err
			}
			return writeIntegrations(cmd.OutOrStdout(), list)
		})
	},
}

func init() {
	integrationsCmd.Flags().StringVar(&integrationsOrg, "org", "", "organization id")
	_ = integrationsCmd.MarkFlagRequired("org")
}

func writeIntegrations(out io.Writer, list []integrations.IntegrationView) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tAUTH\tCONNECTED\tLAST SYNC")
	for _, v := range list {
		lastSync := "never"
		if v.LastSync != nil {
			lastSync = v.LastSync.UTC().Format(time.RFC3339)
		}
		connected := "no"
		if v.Connected {
			connected = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.AuthType, connected, lastSync)
	}
	return tw.Flush()
}
