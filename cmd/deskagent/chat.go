package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/anomalyco/deskagent/internal/agent"
	"github.com/anomalyco/deskagent/internal/commands"
	"github.com/anomalyco/deskagent/internal/history"
	"github.com/anomalyco/deskagent/internal/spaces"
	"github.com/anomalyco/deskagent/internal/ui/chat"
)

func chatCmd(dataDir, profile *string, trace *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [space]",
		Short: "Chat with the agent in a space",
		Long: `Open the terminal chat for a space. The space is matched by name or id;
with no argument the most recently used space opens, and a first run
creates one.

Messages starting with / expand slash commands from the space's
.claude/commands directory before being sent.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fatal(errors.New("chat needs a terminal; use 'deskagent serve' for headless operation"))
			}
			app, err := openApp(*dataDir, *profile, *trace)
			if err != nil {
				fatal(err)
			}
			defer app.close()

			wanted := ""
			if len(args) > 0 {
				wanted = args[0]
			}
			space, err := pickSpace(app.spaces, wanted)
			if err != nil {
				fatal(err)
			}

			if err := runChat(app, space, *trace); err != nil {
				fatal(err)
			}
		},
	}
}

// pickSpace resolves a space by id or name, defaulting to the most recently
// accessed one. A first run with no argument creates a space.
func pickSpace(mgr *spaces.Manager, wanted string) (*spaces.Space, error) {
	list, err := mgr.List()
	if err != nil {
		return nil, err
	}
	if wanted == "" {
		if len(list) > 0 {
			return list[0], nil
		}
		return mgr.Create("My Space", "quick-start")
	}
	for _, s := range list {
		if s.ID == wanted || s.Name == wanted {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no space named %q; run 'deskagent spaces list'", wanted)
}

func runChat(app *app, space *spaces.Space, trace bool) error {
	ctx := context.Background()

	mgr, err := app.buildManager(trace)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	if err := app.spaces.Touch(space.ID); err != nil {
		app.log.Warn("touching space failed", "error", err)
	}

	// Prior conversation turns replay into the first fresh session so the
	// agent has context, and seed the pending-replay slice exactly once.
	var (
		replayMu sync.Mutex
		replay   []agent.Turn
	)
	if conv, err := app.store.Conversation(ctx, space.ID); err == nil {
		for _, msg := range conv.Messages {
			replay = append(replay, agent.Turn{Role: msg.Role, Content: msg.Content})
		}
	} else if !errors.Is(err, history.ErrNotFound) {
		return err
	}
	takeReplay := func() []agent.Turn {
		replayMu.Lock()
		defer replayMu.Unlock()
		r := replay
		replay = nil
		return r
	}

	loader := &commands.Loader{GlobalDir: filepath.Join(app.dataDir, "commands")}
	sink := mgr.Events()
	events, cancelSub := sink.Subscribe()
	defer cancelSub()

	target := agent.Target{SpaceID: space.ID, Dir: space.Path}

	actions := chat.Actions{
		Send: func(message string) error {
			prompt, err := expandSlashCommand(loader, space.Path, message)
			if err != nil {
				return err
			}
			go func() {
				stream, err := mgr.Send(ctx, target, prompt, takeReplay())
				if err != nil {
					sink.Publish(agent.Event{Type: agent.EventCallFailed, Error: err.Error()})
					return
				}
				var reply strings.Builder
				for chunk := range stream.Chunks() {
					reply.WriteString(chunk)
				}
				if _, err := stream.Wait(ctx); err != nil {
					return
				}
				err = app.store.AppendMessages(ctx, space.ID, space.Name,
					history.NewMessage("user", message),
					history.NewMessage("assistant", reply.String()))
				if err != nil {
					app.log.Warn("persisting conversation failed", "error", err)
				}
			}()
			return nil
		},
		Cancel:  func() error { return mgr.Cancel(space.ID) },
		Respond: mgr.RespondPermission,
	}

	model := chat.NewModel(space.Name, actions, events)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	return err
}

// expandSlashCommand substitutes "/name args" with the command's template.
// Unknown commands pass through untouched so the agent can still see them.
func expandSlashCommand(loader *commands.Loader, spacePath, message string) (string, error) {
	if !strings.HasPrefix(message, "/") {
		return message, nil
	}
	name, arguments, _ := strings.Cut(strings.TrimPrefix(message, "/"), " ")
	cmd, err := loader.Load(spacePath, name)
	if errors.Is(err, commands.ErrNotFound) {
		return message, nil
	}
	if err != nil {
		return "", err
	}
	return commands.Expand(cmd.Template, strings.TrimSpace(arguments)), nil
}
