package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/meowkov/catmandu/accumulator"
	"github.com/meowkov/catmandu/dispatch"
	"github.com/meowkov/catmandu/poller"
	"github.com/meowkov/catmandu/registry"
	"github.com/meowkov/catmandu/router"
	"github.com/meowkov/catmandu/session"
	"github.com/meowkov/catmandu/store"
	"github.com/meowkov/catmandu/telegram"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := LoadConfig()
	if cfg.Token == "" {
		slog.Error("missing bot token (set -token or CATMANDU_BOT_TOKEN)")
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := registry.New(cfg.CattacklesDir)
	if _, err := reg.Reload(); err != nil {
		slog.Error("failed to scan cattackles", "dir", cfg.CattacklesDir, "err", err)
		os.Exit(1)
	}

	sessions := session.NewManager()
	defer sessions.CloseAll()

	acc := accumulator.New(
		accumulator.WithMaxMessages(cfg.AccumMaxMessages),
		accumulator.WithMaxLength(cfg.AccumMaxLength),
		accumulator.WithMaxAge(cfg.AccumMaxAge),
	)

	rt := router.New(reg, dispatch.NewClient(sessions), acc,
		router.WithFeedback(cfg.Feedback),
		router.WithChatLog(st),
	)

	tg := telegram.New(cfg.Token)
	p := poller.New(tg, st, rt, poller.WithPollTimeout(cfg.PollTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := p.Run(ctx); err != nil {
			slog.Error("poller failed", "err", err)
			stop()
		}
	}()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: newAdminMux(reg, p, acc, st)}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	slog.Info("catmandu starting", "addr", cfg.ListenAddr, "cattackles", cfg.CattacklesDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("admin server failed", "err", err)
		os.Exit(1)
	}
}
