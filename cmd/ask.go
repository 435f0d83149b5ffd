package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var showTrace bool

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the ingested corpus",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&showTrace, "trace", false, "print the reasoning trace after the answer")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("question must not be empty")
	}

	answer, err := a.Orchestrator.Answer(ctx, question)
	if err != nil {
		return fmt.Errorf("answering question: %w", err)
	}

	fmt.Println(answer.Text)
	if answer.Truncated {
		fmt.Println("\n(answer truncated: reasoning step limit reached)")
	}

	if showTrace {
		fmt.Println("\n--- trace ---")
		for i, step := range answer.Trace {
			switch {
			case step.Final:
				fmt.Printf("%d. final answer (%v)\n", i+1, step.Elapsed.Round(time.Millisecond))
			case step.Err != "":
				fmt.Printf("%d. %s failed: %s (%v)\n", i+1, step.Capability, step.Err, step.Elapsed.Round(time.Millisecond))
			default:
				fmt.Printf("%d. %s ok (%v)\n", i+1, step.Capability, step.Elapsed.Round(time.Millisecond))
			}
		}
	}

	return nil
}
