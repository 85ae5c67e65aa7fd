package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent tool invocations",
	RunE:  runAudit,
}

var (
	auditTool    string
	auditOutcome string
	auditLimit   int
)

func init() {
	auditCmd.Flags().StringVar(&auditTool, "tool", "", "Filter by tool name")
	auditCmd.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome (success, tool_error, permission_denied, ...)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum records to show")
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if auditTool != "" {
		q.Set("tool", auditTool)
	}
	if auditOutcome != "" {
		q.Set("outcome", auditOutcome)
	}
	q.Set("limit", strconv.Itoa(auditLimit))

	resp, err := apiGet("/audit?" + q.Encode())
	if err != nil {
		return err
	}
	var recs []models.InvocationRecord
	if err := decodeInto(resp, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No invocations recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTOOL\tSERVER\tOUTCOME\tDURATION")
	for _, r := range recs {
		server := r.Server
		if server == "" {
			server = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\n", r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.ToolName, server, r.Outcome, r.DurationMS)
	}
	return w.Flush()
}
