package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage supervised tool servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tool servers and their state",
	RunE:  runServersList,
}

var serversToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools advertised by running servers",
	RunE:  runServersTools,
}

func serverActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <server>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerAction(args[0], action)
		},
	}
}

func init() {
	serversCmd.AddCommand(
		serversListCmd,
		serversToolsCmd,
		serverActionCmd("start", "Start a server"),
		serverActionCmd("stop", "Stop a server"),
		serverActionCmd("restart", "Restart a server, including a failed one"),
		serverActionCmd("check", "Run a health check now"),
		serverActionCmd("refresh", "Re-list a server's tools"),
	)
}

func runServersList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/servers")
	if err != nil {
		return err
	}
	var statuses []models.ServerStatus
	if err := decodeInto(resp, &statuses); err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("No tool servers configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATE\tTOOLS\tLAST CHECK\tERROR")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", st.Name, renderState(st.State), st.ToolCount, formatCheck(st.LastCheck), st.LastError)
	}
	return w.Flush()
}

func runServerAction(name, action string) error {
	resp, err := apiPost("/servers/"+url.PathEscape(name)+"/"+action, nil)
	if err != nil {
		return err
	}
	var st models.ServerStatus
	if err := decodeInto(resp, &st); err != nil {
		return err
	}
	fmt.Printf("%s: %s (%d tools)\n", st.Name, renderState(st.State), st.ToolCount)
	if st.LastError != "" {
		fmt.Println(errorStyle.Render(st.LastError))
	}
	return nil
}

func runServersTools(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tools")
	if err != nil {
		return err
	}
	var tools []models.ToolDescriptor
	if err := decodeInto(resp, &tools); err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Println("No tools available")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSERVER\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Server, truncate(t.Description, 60))
	}
	return w.Flush()
}

func formatCheck(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
