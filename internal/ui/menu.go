// Package ui is the interactive mode: a menu loop and the settings editor.
package ui

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Action is a menu choice.
type Action string

const (
	ActionSync     Action = "sync"
	ActionDownload Action = "download"
	ActionHistory  Action = "history"
	ActionSettings Action = "settings"
	ActionQuit     Action = "quit"
)

// Handlers run the menu actions. A nil handler leaves its entry out of the menu.
type Handlers struct {
	Sync     func(ctx context.Context) error
	Download func(ctx context.Context) error
	History  func(ctx context.Context) error
	Settings func(ctx context.Context) error
}

func (h Handlers) lookup(a Action) func(ctx context.Context) error {
	switch a {
	case ActionSync:
		return h.Sync
	case ActionDownload:
		return h.Download
	case ActionHistory:
		return h.History
	case ActionSettings:
		return h.Settings
	}
	return nil
}

// Chooser asks which action to run next.
type Chooser func(ctx context.Context, h Handlers) (Action, error)

// Choose shows the main menu with huh.
func Choose(ctx context.Context, h Handlers) (Action, error) {
	labels := []struct {
		label  string
		action Action
	}{
		{"Sync now", ActionSync},
		{"Test download", ActionDownload},
		{"Show history", ActionHistory},
		{"Edit settings", ActionSettings},
	}

	var opts []huh.Option[Action]
	for _, l := range labels {
		if h.lookup(l.action) != nil {
			opts = append(opts, huh.NewOption(l.label, l.action))
		}
	}
	opts = append(opts, huh.NewOption("Quit", ActionQuit))

	choice := ActionSync
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[Action]().
				Title("Roster sync").
				Options(opts...).
				Value(&choice),
		),
	).WithTheme(huh.ThemeCharm())

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ActionQuit, nil
		}
		return "", errors.Wrap(err, "menu failed")
	}
	return choice, nil
}

// Loop shows the menu until the user quits or ctx is cancelled. Action
// errors are printed and the menu comes back.
func Loop(ctx context.Context, choose Chooser, h Handlers, out io.Writer) error {
	fmt.Fprintln(out, titleStyle.Render("roster-sync"))
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		action, err := choose(ctx, h)
		if err != nil {
			return err
		}
		if action == ActionQuit {
			return nil
		}

		run := h.lookup(action)
		if run == nil {
			fmt.Fprintln(out, subtleStyle.Render(fmt.Sprintf("%s is not available", action)))
			continue
		}
		if err := run(ctx); err != nil {
			log.Debug().Err(err).Str("action", string(action)).Msg("Menu action failed")
			fmt.Fprintln(out, errorStyle.Render("Error: ")+err.Error())
			continue
		}
		fmt.Fprintln(out, okStyle.Render("Done."))
	}
}
