package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/taskline.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("taskline", flag.ContinueOnError)
	fs.SetOutput(stderr)
	login := fs.String("login", "", "log in before starting, as identifier:password")
	user := fs.String("user", "", "realtime user id (overrides TASKLINE_USER_ID)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if *user != "" {
		cfg.UserID = *user
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	if *login != "" {
		id, pw, err := splitLogin(*login)
		if err != nil {
			a.Close()
			return err
		}
		if err := a.Login(ctx, id, pw); err != nil {
			a.Close()
			return fmt.Errorf("login: %w", err)
		}
	}

	return a.Run(ctx)
}

func splitLogin(v string) (string, string, error) {
	id, pw, ok := strings.Cut(v, ":")
	id = strings.TrimSpace(id)
	if !ok || id == "" || pw == "" {
		return "", "", errors.New("-login wants identifier:password")
	}
	return id, pw, nil
}
