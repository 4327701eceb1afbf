// Command agent is a terminal client for exercising the realtime stack
// against a running server: it connects the hub, prints everything it sees
// and emits debounced typing signals while you type.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"crm-realtime/internal/config"
	"crm-realtime/internal/domain"
	"crm-realtime/internal/realtime"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig()
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	chatID := os.Getenv("CHAT_ID")
	userName := os.Getenv("USER_NAME")
	if userName == "" {
		userName = "agent"
	}
	phone := os.Getenv("PHONE")

	hub := realtime.NewHub(realtime.HubConfig{
		Manager: realtime.ManagerConfig{
			APIURL:               cfg.APIURL,
			AuthToken:            cfg.AuthToken,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.HeartbeatInterval,
		},
		PresenceUpdateInterval: cfg.PresenceUpdateInterval,
	}, nil, logger)

	subs := []*realtime.Subscription{
		hub.OnMessage(func(msg domain.ChatMessage) {
			fmt.Printf("[%s] %s: %s\n", msg.ChatID, msg.SenderName, msg.Body)
		}),
		hub.OnTyping(func(ind domain.TypingIndicator) {
			verb := "stopped typing"
			if ind.IsTyping {
				verb = "is typing"
			}
			fmt.Printf("[%s] %s %s\n", ind.ChatID, ind.UserName, verb)
		}),
		hub.OnPresence(func(p domain.PresenceStatus) {
			fmt.Printf("presence: %s is %s\n", p.UserID, p.Status)
		}),
		hub.OnConnectionChange(func(state realtime.ConnectionState) {
			fmt.Printf("connection: %+v\n", state)
		}),
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hub.Start(ctx, chatID); err != nil {
		logger.Warn("initial connect failed, reconnecting in background", zap.Error(err))
	}
	defer hub.Stop()

	session := realtime.NewChatSession(hub, realtime.ChatSessionConfig{
		ChatID:         chatID,
		Phone:          phone,
		UserName:       userName,
		TypingDebounce: cfg.TypingDebounce,
		AutoRead:       true,
	}, nil, logger)
	defer session.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			// every input line counts as keystrokes in the open chat
			session.StartTyping()
		}
	}()

	<-sigChan
	fmt.Println("bye")
}
