package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mikey/llm-meeting-coordinator/internal/adapters/inbound"
	"github.com/mikey/llm-meeting-coordinator/internal/config"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/di"
	"github.com/mikey/llm-meeting-coordinator/internal/engine"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	flags := di.ParseFlags()

	// Build the dependency injection container
	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(func(
		cfg *config.Config,
		logger *zap.Logger,
		eng *engine.Engine,
		llmClient core.LLMClient,
		store core.StateStore,
	) error {
		defer logger.Sync()
		defer store.Close()
		if closer, ok := llmClient.(interface{ Close() error }); ok {
			defer closer.Close()
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		files := flags.InputFiles
		if len(files) == 0 {
			files = []string{"-"}
		}
		for _, name := range files {
			if err := processFile(eng, name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// processFile feeds one message through the engine and prints the result
func processFile(eng *engine.Engine, name string) error {
	var r io.Reader = os.Stdin
	if name != "-" {
		file, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("failed to open input file %s: %w", name, err)
		}
		defer file.Close()
		r = file
	}

	msg, err := inbound.ParseMessage(r)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}

	fmt.Printf("\n=== %s ===\n", name)
	fmt.Printf("From: %s\n", msg.From)
	fmt.Printf("To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Printf("Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Printf("Subject: %s\n", msg.Subject)

	out, err := eng.Process(context.Background(), msg)
	if err != nil && (out == nil || !errors.Is(err, core.ErrIdentityConflict)) {
		return fmt.Errorf("failed to process %s: %w", name, err)
	}
	printOutcome(out)
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	return nil
}

func printOutcome(out *engine.Outcome) {
	fmt.Printf("\n=== Result ===\n")
	if out.Ignored != "" {
		fmt.Printf("Ignored: %s\n", out.Ignored)
		return
	}
	fmt.Printf("Thread: %s (%d messages)\n", out.Thread.Key, len(out.Thread.Messages))
	if out.Duplicate {
		fmt.Printf("Duplicate delivery\n")
	}

	if stmt := out.Statement; stmt != nil {
		fmt.Printf("Interpreted by: %s, intent %s\n", stmt.Source, stmt.Intent)
		for _, w := range stmt.Windows {
			fmt.Printf("  window %s - %s\n", w.Start.Format("Mon Jan 2 15:04 MST"), w.End.Format("15:04"))
		}
		if stmt.Ambiguous {
			fmt.Printf("  ambiguous: %s\n", stmt.Question)
		}
	}

	coord := out.Coordination
	if coord == nil {
		fmt.Printf("No coordination on this thread\n")
		return
	}
	fmt.Printf("Coordination: %s status %s\n", coord.ID, coord.Status)
	for _, member := range coord.Roster {
		if resp, ok := coord.Responses[member]; ok {
			fmt.Printf("  %s: %s\n", member, resp.State)
		}
	}
	if d := coord.Decision; d != nil {
		fmt.Printf("Scheduled: %s - %s (sequence %d)\n",
			d.Slot.Start.Format("Mon Jan 2 15:04 MST"), d.Slot.End.Format("15:04"), d.Sequence)
	}
}
