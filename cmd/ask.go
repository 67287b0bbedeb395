package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xhad/documind/internal/models"
)

var askJSON bool

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question about the ingested documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer and sources as JSON")
	rootCmd.AddCommand(askCmd)
}

type askOutput struct {
	Question string                `json:"question"`
	Answer   string                `json:"answer"`
	Sources  []models.SearchResult `json:"sources"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	question := strings.Join(args, " ")

	a, err := newApp(ctx, cfg, appOptions{generator: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if askJSON {
		answer := a.pipeline.Ask(ctx, nil, question)
		if answer.Err != nil {
			return answer.Err
		}
		data, err := json.MarshalIndent(askOutput{Question: question, Answer: answer.Text, Sources: answer.Sources}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal answer: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	spinner := getSpinner(" Searching documents...")
	answer := a.pipeline.Ask(ctx, nil, question)
	spinner.Finish()
	if answer.Err != nil {
		return answer.Err
	}

	fmt.Fprintln(cmd.OutOrStdout(), answer.Text)
	if cfg.UI.ShowSources {
		printSources(cmd.OutOrStdout(), answer.Sources)
	}
	return nil
}
