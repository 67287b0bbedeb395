package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/pkg/rag"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with your documents",
	Long: `Starts an interactive session. Commands:
  /history  show this session's conversation
  /reset    clear the conversation
  /sources  list ingested documents
  exit      quit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, appOptions{generator: true})
	if err != nil {
		return err
	}
	defer a.Close()

	session := rag.NewSession()
	defer session.Reset()

	// Interactive chat loop with colored output
	color.Cyan("\nChat with your documents (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(query) {
		case "exit", "quit":
			return nil
		case "":
			continue
		case "/history":
			printHistory(session.History())
			continue
		case "/reset":
			session.Reset()
			color.Yellow("History cleared.")
			continue
		case "/sources":
			sources, err := a.pipeline.Sources(ctx)
			if err != nil {
				color.Red("%s", rag.UserMessage(err))
				continue
			}
			printSourceList(sources)
			continue
		}

		responseSpinner := getSpinner(" Thinking...")
		firstChunk := true
		answer := a.pipeline.AskStream(ctx, session, query, func(chunk string) {
			if firstChunk {
				responseSpinner.Finish()
				firstChunk = false
				assistantPrompt("\nAssistant: ")
			}
			fmt.Print(chunk)
		})
		if firstChunk {
			responseSpinner.Finish()
		}

		if answer.Err != nil {
			color.Red("\n%s", answer.Text)
			continue
		}
		fmt.Print("\n")
		if cfg.UI.ShowSources {
			printSources(os.Stdout, answer.Sources)
		}
	}

	return scanner.Err()
}

func printHistory(turns []models.Turn) {
	if len(turns) == 0 {
		color.Yellow("No messages yet.")
		return
	}
	for _, t := range turns {
		if t.Role == models.RoleUser {
			color.Green("You: %s", t.Content)
		} else {
			color.Cyan("Assistant: %s", t.Content)
		}
	}
}
