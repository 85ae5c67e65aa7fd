package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/spf13/cobra"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <tool>",
	Short: "Invoke a tool through the router",
	Long: `Invokes a tool through the permission gate. The tool must be granted
and advertised by a running server.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

var (
	invokeServer string
	invokeArgs   string
	invokeJSON   bool
)

func init() {
	invokeCmd.Flags().StringVar(&invokeServer, "server", "", "Pin the call to one server")
	invokeCmd.Flags().StringVar(&invokeArgs, "args", "{}", "Tool arguments as a JSON object")
	invokeCmd.Flags().BoolVar(&invokeJSON, "json", false, "Print the full JSON result")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	req := models.InvokeRequest{Tool: args[0], Server: invokeServer}
	if err := json.Unmarshal([]byte(invokeArgs), &req.Arguments); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	resp, err := apiDo(invokeClient, http.MethodPost, "/invoke", req)
	if err != nil {
		return err
	}
	if invokeJSON {
		fmt.Println(string(resp))
		return nil
	}

	var out models.ToolOutput
	if err := decodeInto(resp, &out); err != nil {
		return err
	}
	if out.IsError {
		fmt.Println(errorStyle.Render(fmt.Sprintf("%s on %s reported an error:", out.Tool, out.Server)))
	}
	fmt.Println(out.Content)
	return nil
}
