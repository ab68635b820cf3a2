package tui

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
)

// RunTUI starts the bubbletea program and runs loop concurrently. ctx passed
// to loop is cancelled when the user quits or the process gets SIGINT or
// SIGTERM. RunTUI blocks until both have finished.
func RunTUI(cfg TUIConfig, loop func(ctx context.Context, ui IO) error) error {
	inputCh := make(chan inputResult, 1)
	model := NewModel(inputCh, cfg)

	tuiIO := &TuiIO{inputCh: inputCh}
	model.cancelLoopFn = tuiIO.CancelTurn

	p := tea.NewProgram(model)
	tuiIO.program = p

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		loopErr error
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		loopErr = loop(ctx, tuiIO)
		p.Send(loopDoneMsg{err: loopErr})
	}()

	_, err := p.Run()
	stop()
	// Unblock a ReadInput that is still waiting after the program exited.
	select {
	case inputCh <- inputResult{err: fmt.Errorf("tui closed")}:
	default:
	}
	wg.Wait()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return loopErr
}
