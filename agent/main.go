package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"collabtext/channel"
	"collabtext/config"
	"collabtext/discovery"
	"collabtext/fieldsync"
	"collabtext/history"
	"collabtext/snapshot"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	uiDir := flag.String("ui", "../ui", "directory served at /")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	if err := run(cfg, *uiDir, logger); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, uiDir string, logger *slog.Logger) error {
	ac := cfg.Agent
	if err := ac.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayURL, err := resolveRelay(ctx, ac, logger)
	if err != nil {
		return err
	}
	codec, err := channel.CodecByName(ac.Codec)
	if err != nil {
		return err
	}
	source, err := snapshot.NewHTTPSource(ac.SnapshotURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	store, err := history.OpenBolt(ac.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := newHub(logger)
	br := &bridge{logger: logger}
	client := channel.NewClient(relayURL, ac.AuthorID, br,
		channel.WithCodec(codec),
		channel.WithLogger(logger.With("component", "channel")),
	)
	session := fieldsync.New(ac.PresentationID, fieldsync.Identity{AuthorID: ac.AuthorID}, client,
		fieldsync.WithLogger(logger.With("component", "fieldsync")),
		fieldsync.WithSource(source),
		fieldsync.WithHistoryStore(store),
		fieldsync.WithHistoryWindow(ac.HistoryWindow),
		fieldsync.WithResyncOnClamp(*ac.ResyncOnClamp),
		fieldsync.WithListener(hub.publish),
	)
	br.session = session
	hub.ctrl = session

	r := mux.NewRouter()
	r.HandleFunc("/ws", hub.serveWs)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(uiDir)))
	srv := &http.Server{
		Addr:              ac.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		hub.run(ctx)
	}()
	go func() {
		defer wg.Done()
		client.Run(ctx)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("agent running", "addr", ac.Listen, "relay", relayURL,
		"presentation", ac.PresentationID, "author", ac.AuthorID)
	err = srv.ListenAndServe()
	stop()
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// resolveRelay returns the websocket endpoint of the presentation, browsing
// mDNS when no relay is configured.
func resolveRelay(ctx context.Context, ac config.AgentConfig, logger *slog.Logger) (string, error) {
	base := ac.RelayURL
	if base == "" {
		bctx, cancel := context.WithTimeout(ctx, ac.DiscoveryTimeout)
		defer cancel()
		addr, err := discovery.Browse(bctx, ac.Service, logger)
		if err != nil {
			return "", fmt.Errorf("no relay configured: %w", err)
		}
		base = "ws://" + addr
	}
	return relayEndpoint(base, ac.PresentationID)
}

func relayEndpoint(base string, presentationID int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	return u.JoinPath("ws", strconv.Itoa(presentationID)).String(), nil
}
