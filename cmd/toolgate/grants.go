package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/toolgate/internal/controlplane"
	"github.com/fentz26/toolgate/internal/models"
	"github.com/spf13/cobra"
)

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Manage tool permission grants",
}

var grantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List grants",
	RunE:  runGrantsList,
}

var grantsAddCmd = &cobra.Command{
	Use:   "add <tool>",
	Short: "Grant permission to invoke a tool (glob patterns allowed)",
	Args:  cobra.ExactArgs(1),
	RunE:  runGrantsAdd,
}

var grantsRevokeCmd = &cobra.Command{
	Use:   "revoke <tool>",
	Short: "Revoke a grant",
	Args:  cobra.ExactArgs(1),
	RunE:  runGrantsRevoke,
}

var grantScope string

func init() {
	grantsCmd.AddCommand(grantsListCmd, grantsAddCmd, grantsRevokeCmd)
	grantsAddCmd.Flags().StringVar(&grantScope, "scope", string(models.ScopeSession), "Grant scope (once, session, persistent)")
}

func runGrantsList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/grants")
	if err != nil {
		return err
	}
	var grants []models.PermissionGrant
	if err := decodeInto(resp, &grants); err != nil {
		return err
	}
	if len(grants) == 0 {
		fmt.Println("No grants")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSCOPE\tGRANTED AT")
	for _, g := range grants {
		fmt.Fprintf(w, "%s\t%s\t%s\n", g.ToolName, g.Scope, g.GrantedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runGrantsAdd(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/grants", controlplane.GrantRequest{Tool: args[0], Scope: grantScope})
	if err != nil {
		return err
	}
	var g models.PermissionGrant
	if err := decodeInto(resp, &g); err != nil {
		return err
	}
	fmt.Printf("Granted %s (%s)\n", g.ToolName, g.Scope)
	return nil
}

func runGrantsRevoke(cmd *cobra.Command, args []string) error {
	resp, err := apiDelete("/grants/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	var r controlplane.RevokeResponse
	if err := decodeInto(resp, &r); err != nil {
		return err
	}
	if !r.Revoked {
		fmt.Printf("No grant for %s\n", args[0])
		return nil
	}
	fmt.Printf("Revoked %s\n", args[0])
	return nil
}
