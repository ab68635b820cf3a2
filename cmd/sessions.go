package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexadarsh/edumentor-fullstack/internal/config"
	"github.com/codexadarsh/edumentor-fullstack/internal/session"
	"github.com/codexadarsh/edumentor-fullstack/internal/tui"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"history"},
		Short:   "Manage saved chats",
	}

	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved chats, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store session.Store) error {
				sessions, err := listSessions(ctx, store, query)
				if err != nil {
					return err
				}
				fmt.Println(tui.FormatSessionList(sessions, time.Now()))
				return nil
			})
		},
	}
	list.Flags().StringVarP(&query, "query", "q", "", "only chats whose title or last message contains this text")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store session.Store) error {
				s, err := ownedSession(ctx, store, args[0])
				if err != nil {
					return errors.New(sessionError(args[0], err))
				}
				fmt.Println(tui.FormatTranscript(s, time.Now()))
				return nil
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a saved chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return fmt.Errorf("title must not be empty")
			}
			return withStore(cmd.Context(), func(ctx context.Context, store session.Store) error {
				if err := renameSession(ctx, store, args[0], title); err != nil {
					return errors.New(sessionError(args[0], err))
				}
				fmt.Printf("Renamed %s to %q.\n", args[0], title)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete saved chats",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store session.Store) error {
				for _, id := range args {
					if _, err := ownedSession(ctx, store, id); err != nil {
						return errors.New(sessionError(id, err))
					}
					if err := store.Delete(ctx, id); err != nil {
						return err
					}
					fmt.Printf("Deleted %s.\n", id)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, rename, del)
	return cmd
}

// withStore opens only the session store; history commands need no provider.
func withStore(ctx context.Context, fn func(ctx context.Context, store session.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := initConfigForStore()
	if err != nil {
		return err
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

// initConfigForStore is initConfig without the provider checks, so history
// can be browsed before an API key is configured.
func initConfigForStore() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var ce *config.ConfigurationError
	if err := cfg.Validate(); err != nil {
		if !errors.As(err, &ce) || !(ce.Field == "provider" || strings.HasPrefix(ce.Field, "providers.")) {
			return nil, err
		}
	}
	return cfg, nil
}

func listSessions(ctx context.Context, store session.Store, query string) ([]session.ChatSession, error) {
	all, err := store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	sessions := session.Filter(session.OwnedBy(all, localUser), query)
	session.SortByRecent(sessions)
	return sessions, nil
}

// ownedSession hides chats of other users as not found.
func ownedSession(ctx context.Context, store session.Store, id string) (session.ChatSession, error) {
	s, err := store.Get(ctx, id)
	if err != nil {
		return session.ChatSession{}, err
	}
	if s.UserID != localUser {
		return session.ChatSession{}, session.ErrNotFound
	}
	return s, nil
}

func renameSession(ctx context.Context, store session.Store, id, title string) error {
	if _, err := ownedSession(ctx, store, id); err != nil {
		return err
	}
	return store.UpdateTitle(ctx, id, title)
}
