package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"localconnect/internal/api"
	"localconnect/internal/auth"
	"localconnect/internal/commands"
	"localconnect/internal/config"
	"localconnect/internal/directory"
	"localconnect/internal/session"
	"localconnect/internal/storage"
	"localconnect/internal/ws"
)

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if err := auth.CheckCredential(cfg.Token, time.Now()); err != nil {
		return err
	}
	token, err := auth.NewStaticProvider(cfg.Token, cfg.UserID, cfg.Username)
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.APIURL, token, cfg.HTTPTimeout)

	// Typing frames name users by username, so resolve it before any room opens.
	identity := auth.NewProfileProvider(token, client.Profile)
	self, err := identity.Identity(ctx)
	if err != nil {
		return err
	}
	slog.Info("signed in", "user_id", self.UserID, "username", self.Username)

	bbStorage, err := storage.NewBboltStorage(cfg.OutboxDB)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	registry := ws.NewRegistry(ws.GorillaDialer{Timeout: cfg.DialTimeout}, ws.Endpoints{Base: cfg.WSURL}, identity)
	defer registry.ReleaseAll()

	dir := directory.New(ctx, client, bbStorage, cfg.DirectoryTTL)

	var outMu sync.Mutex
	printer := commands.NewPrinter(&outMu, out)

	sess := session.New(session.Deps{
		Registry:  registry,
		Identity:  identity,
		API:       client,
		Directory: dir,
		Outbox:    bbStorage,
		History:   bbStorage,
		Observer:  printer,
	}, session.Config{
		TypingDebounce: cfg.TypingDebounce,
		TypingExpiry:   cfg.TypingExpiry,
		EchoTimeout:    cfg.EchoTimeout,
		UnifyReplies:   cfg.UnifyReplies,
		MaxRecords:     cfg.MaxRecords,
	})
	defer sess.Close()

	notes := session.NewNotifications(registry, client, printer, session.NotificationsConfig{
		PollInterval: cfg.NotificationPoll,
	})
	if err := notes.Authenticate(ctx); err != nil {
		return err
	}
	defer notes.Logout()

	shell := commands.NewShell(sess, dir, notes, &outMu, out)

	g, gCtx := errgroup.WithContext(ctx)

	// Warm the room list so /rooms works offline later.
	g.Go(func() error {
		if _, err := dir.Rooms(gCtx); err != nil {
			slog.Warn("room list unavailable", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		outMu.Lock()
		_, _ = fmt.Fprintln(out, "connected, type /help for commands")
		outMu.Unlock()
		return shell.Run(gCtx, in)
	})

	err = g.Wait()
	slog.Info("shutting down")
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
