package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexadarsh/edumentor-fullstack/internal/assembler"
	"github.com/codexadarsh/edumentor-fullstack/internal/controller"
	"github.com/codexadarsh/edumentor-fullstack/internal/document"
	"github.com/codexadarsh/edumentor-fullstack/internal/logging"
	"github.com/codexadarsh/edumentor-fullstack/internal/session"
	"github.com/codexadarsh/edumentor-fullstack/internal/tui"
)

// localUser owns the sessions created from the terminal. The server uses the
// same id when authentication is disabled.
const localUser = ""

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd)
		},
	}
}

// runChat starts the interactive chat (REPL) mode.
func runChat(cmd *cobra.Command) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logging.FormatConsole)
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl := controller.New(a.controllerOptions(localUser, cfg.UserName))

	if useTUI {
		tuiCfg := tui.TUIConfig{
			Version:     displayVersion(),
			Provider:    cfg.Provider,
			Model:       cfg.ResolveModel(),
			Store:       cfg.Store.Driver,
			ShowWelcome: true,
		}
		// ctx is managed by RunTUI: cancelled on Ctrl+C, TUI exit, or OS signal.
		return tui.RunTUI(tuiCfg, func(ctx context.Context, ui tui.IO) error {
			r := &repl{app: a, ctrl: ctrl, ui: ui, now: time.Now}
			if tc, ok := ui.(tui.TurnCanceller); ok {
				r.turns = tc
			}
			return r.run(ctx)
		})
	}

	// Plain IO mode
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	intr := &interrupter{}
	go intr.watch(ctx, cancel)

	r := &repl{app: a, ctrl: ctrl, ui: tui.NewPlainIO(), turns: intr, now: time.Now}
	return r.run(ctx)
}

// interrupter maps Ctrl+C to cancelling the answer being streamed. Outside an
// answer, or on SIGTERM, it ends the chat.
type interrupter struct {
	mu   sync.Mutex
	turn context.CancelFunc
}

func (i *interrupter) SetTurnCancel(cancel context.CancelFunc) {
	i.mu.Lock()
	i.turn = cancel
	i.mu.Unlock()
}

func (i *interrupter) ClearTurnCancel() {
	i.mu.Lock()
	i.turn = nil
	i.mu.Unlock()
}

func (i *interrupter) watch(ctx context.Context, stop context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			i.mu.Lock()
			turn := i.turn
			i.turn = nil
			i.mu.Unlock()
			if turn != nil && sig == syscall.SIGINT {
				turn()
				continue
			}
			stop()
			return
		}
	}
}

// repl drives one controller from a tui.IO.
type repl struct {
	app   *app
	ctrl  *controller.Controller
	ui    tui.IO
	turns tui.TurnCanceller
	now   func() time.Time
}

func (r *repl) run(ctx context.Context) error {
	for _, m := range r.ctrl.Snapshot().Messages {
		r.ui.SystemMessage(m.Content)
	}
	r.refreshStatus()

	for {
		line, err := readInput(ctx, r.ui)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			return err
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				break
			}
			continue
		}
		r.ask(ctx, line)
	}

	// Everything structural is already saved; this flushes a throttled
	// fragment save, if any.
	if err := r.ctrl.NewChat(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: last chat not saved: %v\n", err)
	}
	return nil
}

// readInput returns early when ctx is cancelled while the user is idle.
func readInput(ctx context.Context, ui tui.IO) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := ui.ReadInput()
		ch <- result{text, err}
	}()
	select {
	case res := <-ch:
		return strings.TrimSpace(res.text), res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *repl) ask(ctx context.Context, text string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.turns != nil {
		r.turns.SetTurnCancel(cancel)
		defer r.turns.ClearTurnCancel()
	}

	r.ui.UserMessage(text)
	r.ui.ThinkingStart()
	msg, err := r.ctrl.SendMessage(turnCtx, text, r.ui.TextDelta)

	var se *assembler.StreamError
	switch {
	case err == nil:
		r.ui.TextDone(msg.Content)
	case errors.As(err, &se):
		r.ui.TextDone(msg.Content)
		if errors.Is(err, context.Canceled) {
			r.ui.SystemMessage("Answer cancelled.")
		} else {
			r.ui.Error(se.Err.Error())
		}
	default:
		r.ui.Error(err.Error())
	}
	r.refreshStatus()
	r.reportPersist()
}

// command runs a slash command. It reports whether the chat should end.
func (r *repl) command(ctx context.Context, line string) bool {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "/quit", "/exit":
		return true
	case "/help":
		r.ui.SystemMessage(tui.HelpText())
	case "/new":
		if err := r.ctrl.NewChat(ctx); err != nil {
			r.ui.Error("previous chat could not be saved: " + err.Error())
		}
		r.showChat()
	case "/load":
		if rest == "" {
			r.ui.Error("usage: /load <id>")
			break
		}
		if err := r.ctrl.LoadChatByID(ctx, rest); err != nil {
			r.ui.Error(sessionError(rest, err))
			break
		}
		r.showChat()
	case "/upload":
		r.upload(ctx, rest)
	case "/sessions":
		sessions, err := listSessions(ctx, r.app.store, rest)
		if err != nil {
			r.ui.Error(err.Error())
			break
		}
		r.ui.SystemMessage(tui.FormatSessionList(sessions, r.now()))
	case "/rename":
		id, title, _ := strings.Cut(rest, " ")
		title = strings.TrimSpace(title)
		if id == "" || title == "" {
			r.ui.Error("usage: /rename <id> <title>")
			break
		}
		if err := renameSession(ctx, r.app.store, id, title); err != nil {
			r.ui.Error(sessionError(id, err))
			break
		}
		r.ctrl.Rename(id, title)
		r.ui.SystemMessage(fmt.Sprintf("Renamed %s to %q.", id, title))
	case "/delete":
		if rest == "" {
			r.ui.Error("usage: /delete <id>")
			break
		}
		if _, err := ownedSession(ctx, r.app.store, rest); err != nil {
			r.ui.Error(sessionError(rest, err))
			break
		}
		current := r.ctrl.Snapshot().SessionID == rest
		if current {
			r.ctrl.Discard()
		}
		if err := r.app.store.Delete(ctx, rest); err != nil {
			r.ui.Error(sessionError(rest, err))
			break
		}
		r.ui.SystemMessage("Deleted " + rest + ".")
		if current {
			r.showChat()
		}
	case "/dismiss":
		r.ctrl.DismissError()
		r.ui.SystemMessage("Error cleared.")
	default:
		r.ui.Error(fmt.Sprintf("unknown command %s (try /help)", name))
	}
	r.refreshStatus()
	return false
}

func (r *repl) upload(ctx context.Context, path string) {
	path = strings.Trim(path, `"'`)
	if path == "" {
		r.ui.Error("usage: /upload <file.pdf>")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		r.ui.Error(err.Error())
		return
	}
	r.ui.SystemMessage(tui.FormatUpload(filepath.Base(path), len(data)))

	err = r.ctrl.AttachDocument(ctx, filepath.Base(path), data)
	var pe *document.ParseError
	switch {
	case errors.As(err, &pe):
		r.ui.Error(document.FailureMessage + " (" + pe.Reason + ")")
		return
	case err != nil && !errors.As(err, new(*session.PersistenceError)):
		r.ui.Error(err.Error())
		return
	case err != nil:
		r.ui.Error("previous chat could not be saved: " + err.Error())
	}
	r.showChat()
}

// showChat prints the current message list after a switch.
func (r *repl) showChat() {
	snap := r.ctrl.Snapshot()
	for _, m := range snap.Messages {
		switch m.Role {
		case session.RoleUser:
			r.ui.SystemMessage("You: " + m.Content)
		case session.RoleModel:
			r.ui.TextDone(m.Content)
		default:
			r.ui.SystemMessage(m.Content)
		}
	}
}

func (r *repl) refreshStatus() {
	snap := r.ctrl.Snapshot()
	r.ui.SetStatus(snap.SessionID, snap.DocumentName)
}

func (r *repl) reportPersist() {
	if err := r.ctrl.Snapshot().PersistErr; err != nil {
		r.ui.Error("chat not saved: " + err.Error())
	}
}

func sessionError(id string, err error) string {
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Sprintf("no saved chat with id %s", id)
	}
	return err.Error()
}
