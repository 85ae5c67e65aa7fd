package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/toolgate/internal/controlplane"
	"github.com/fentz26/toolgate/internal/models"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Show configured models and the fallback chain",
	RunE:  runModels,
}

var modelsFallbackCmd = &cobra.Command{
	Use:   "fallback <failed-model>",
	Short: "Show the model to try after a failed one",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsFallback,
}

var fallbackExclude []string

func init() {
	modelsCmd.AddCommand(modelsFallbackCmd)
	modelsFallbackCmd.Flags().StringSliceVar(&fallbackExclude, "exclude", nil, "Models to skip (comma-separated)")
}

func runModels(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/models")
	if err != nil {
		return err
	}
	var overview models.ModelsOverview
	if err := decodeInto(resp, &overview); err != nil {
		return err
	}

	fmt.Printf("Active:   %s\n", activeStyle.Render(overview.ActiveModel))
	fmt.Printf("Fallback: %s\n\n", strings.Join(overview.FallbackChain, " -> "))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tRUNTIME\tCONTEXT\tFORMAT")
	for _, m := range overview.Models {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.Key, m.DisplayName, m.Runtime, m.ContextWindow, m.ToolCallFormat)
	}
	return w.Flush()
}

func runModelsFallback(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/models/fallback", controlplane.FallbackRequest{
		Failed:  args[0],
		Exclude: fallbackExclude,
	})
	if err != nil {
		return err
	}
	var m models.ModelConfig
	if err := decodeInto(resp, &m); err != nil {
		return err
	}
	fmt.Printf("Next model: %s (%s, format %s)\n", m.Key, m.Runtime, m.ToolCallFormat)
	return nil
}
