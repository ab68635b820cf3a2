package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codexadarsh/edumentor-fullstack/internal/assembler"
	"github.com/codexadarsh/edumentor-fullstack/internal/controller"
	"github.com/codexadarsh/edumentor-fullstack/internal/document"
	"github.com/codexadarsh/edumentor-fullstack/internal/logging"
	"github.com/codexadarsh/edumentor-fullstack/internal/tui"
)

func newAskCmd() *cobra.Command {
	var (
		prompt string
		file   string
	)

	cmd := &cobra.Command{
		Use:     "ask [question]",
		Aliases: []string{"run"},
		Short:   "Ask a single question non-interactively",
		Example: `  edumentor ask "what is a closure?"
  edumentor ask --file lecture3.pdf -P "summarize section 2"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				prompt = strings.Join(args, " ")
			}
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("a question is required (argument or --prompt / -P)")
			}
			return runOnce(cmd.Context(), prompt, file)
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "P", "", "the question to ask")
	cmd.Flags().StringVarP(&file, "file", "f", "", "PDF to answer from")

	return cmd
}

// runOnce answers a single question, streaming to stdout, and saves the chat
// to history like an interactive one.
func runOnce(ctx context.Context, prompt, file string) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logging.FormatConsole)
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl := controller.New(a.controllerOptions(localUser, cfg.UserName))
	defer func() {
		if err := ctrl.NewChat(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintf(os.Stderr, "warning: chat not saved: %v\n", err)
		}
	}()

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		if err := ctrl.AttachDocument(ctx, filepath.Base(file), data); err != nil {
			var pe *document.ParseError
			if errors.As(err, &pe) {
				return fmt.Errorf("%s (%s)", document.FailureMessage, pe.Reason)
			}
			return err
		}
	}

	ui := tui.NewPlainIO()
	msg, err := ctrl.SendMessage(ctx, prompt, ui.TextDelta)
	var se *assembler.StreamError
	switch {
	case err == nil:
		ui.TextDone(msg.Content)
	case errors.As(err, &se):
		ui.TextDone(msg.Content)
		return se
	default:
		return err
	}
	if perr := ctrl.Snapshot().PersistErr; perr != nil {
		fmt.Fprintf(os.Stderr, "warning: chat not saved: %v\n", perr)
	}
	return nil
}
