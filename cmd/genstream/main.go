// Command genstream runs one generation against the backend and prints the
// stream events as JSON lines. When the backend asks for feedback it reads
// the answer from stdin. With -serve it exposes the engine over HTTP instead.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/genstream/internal/server"
	"github.com/tjfontaine/genstream/pkg/genstream"
)

func main() {
	if err := run(); err != nil {
		var se *genstream.StreamError
		if errors.As(err, &se) {
			fmt.Fprintln(os.Stderr, se.UserMessage())
		}
		slog.Error("generation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	target := flag.String("target", string(genstream.TargetWorkout), "workout, knowledge or profile_overview")
	conversation := flag.String("conversation", "", "conversation id to continue")
	verbose := flag.Bool("v", false, "debug logging")
	serve := flag.Bool("serve", false, "serve the HTTP API instead of running one prompt")
	flag.Parse()

	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" && !*serve {
		fmt.Fprintln(os.Stderr, "usage: genstream [flags] <prompt>")
		fmt.Fprintln(os.Stderr, "       genstream -serve [flags]")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := genstream.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := genstream.New(
		genstream.WithConfig(cfg),
		genstream.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve {
		return serveHTTP(ctx, cfg.Server.Port, logger, eng)
	}

	events, unsubscribe := eng.Subscribe("")
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(os.Stdout)
		for ev := range events {
			_ = enc.Encode(ev)
		}
	}()

	sess, err := eng.StartGeneration(ctx, genstream.StartRequest{
		ConversationID: *conversation,
		Target:         genstream.Target(*target),
		Prompt:         prompt,
	})

	stdin := bufio.NewScanner(os.Stdin)
	for err == nil && sess.Status == genstream.StatusAwaitingFeedback {
		fmt.Fprint(os.Stderr, "feedback> ")
		if !stdin.Scan() {
			eng.Discard(sess.ID)
			break
		}
		sess, err = eng.SubmitFeedback(ctx, sess.ID, stdin.Text())
	}

	unsubscribe()
	<-done
	return err
}

func serveHTTP(ctx context.Context, port int, logger *slog.Logger, eng *genstream.Engine) error {
	srv := server.New(port, logger, eng)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
