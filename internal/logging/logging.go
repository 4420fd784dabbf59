// Package logging configures the orchestrator's structured logger: tinted,
// colorized output on a terminal, plain timestamps when piped (spec.md §7:
// "each state transition and each error writes a structured log record
// including phase and elapsed times").
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Setup installs a slog default handler at level, writing to w (os.Stderr
// if nil). Color is enabled only when the underlying file descriptor is a
// terminal.
func Setup(level string, w io.Writer) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	if w == nil {
		w = os.Stderr
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		if !noColor {
			w = colorable.NewColorable(f)
		}
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
		NoColor:    noColor,
	})
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, err
	}
	return l, nil
}
