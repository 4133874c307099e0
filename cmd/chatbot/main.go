package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fhlbible/chatbot/internal/chatlog"
	"github.com/fhlbible/chatbot/internal/config"
	"github.com/fhlbible/chatbot/internal/logging"
	"github.com/fhlbible/chatbot/internal/provider"
	"github.com/fhlbible/chatbot/internal/runner"
	"github.com/fhlbible/chatbot/mcpclient"
	"github.com/fhlbible/chatbot/memory"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.NewLogger(cfg.Debug)
	defer func() { _ = log.Sync() }()

	// Basic env check (SDK also reads API key)
	if cfg.AnthropicAPIKey == "" {
		fmt.Println("Missing ANTHROPIC_API_KEY; export it before running.")
		os.Exit(1)
	}

	// Set up graceful shutdown on Ctrl-C (SIGINT) / SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		<-sigch
		fmt.Println("\nExiting...")
		cancel()
	}()

	fmt.Println("Connecting to FHL Bible MCP Server...")
	conn := mcpclient.New(cfg.ServerPath)
	if err := conn.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	var chatLog *chatlog.Logger
	if cfg.EnableLogging {
		var err error
		chatLog, err = chatlog.New(cfg.LogDir, cfg.LogFormat, log)
		if err != nil {
			log.Warn("conversation logging disabled", zap.Error(err))
		} else {
			fmt.Printf("Logging enabled: %s format, directory %s\n", cfg.LogFormat, chatLog.Dir())
		}
	}

	var conv memory.Conversation
	r := runner.New(provider.NewAnthropicClient(), conn, &conv, runner.Config{
		SystemPrompt:      provider.SystemPrompt,
		MaxHistory:        cfg.MaxHistory,
		MaxToolIterations: cfg.MaxToolIterations,
		ChatLog:           chatLog,
		Log:               log,
	})

	tools, err := conn.Tools()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Connected! %d tools available. Type 'quit' to exit, 'clear' to reset conversation.\n\n", len(tools))

	// stdin reader goroutine -> lines into channel
	scanner := bufio.NewScanner(os.Stdin)
	inputCh := make(chan string)
	go func() {
		for scanner.Scan() {
			inputCh <- scanner.Text()
		}
		close(inputCh)
	}()

	messageCount := 0
	sessionStart := time.Now()

outer:
	for {
		fmt.Print("[94mYou[0m: ")
		var (
			user string
			ok   bool
		)
		select {
		case <-ctx.Done():
			break outer
		case user, ok = <-inputCh:
			if !ok {
				break outer
			}
		}

		user = strings.TrimSpace(user)
		if user == "" {
			continue
		}
		switch strings.ToLower(user) {
		case "quit":
			fmt.Println("Goodbye!")
			break outer
		case "clear":
			conv.Clear()
			fmt.Println("Conversation cleared.")
			continue
		}

		resp, err := r.Chat(ctx, user)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Printf("\n[93mAssistant[0m: %s\n\n", resp)
		messageCount++
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: stdin read error: %v\n", err)
	}

	if chatLog != nil {
		chatLog.Summary(messageCount, time.Since(sessionStart))
		fmt.Printf("Session logs saved to %s\n", chatLog.Dir())
	}
}
