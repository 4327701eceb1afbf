package delivery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crm-realtime/internal/config"
	"crm-realtime/internal/domain"
	"crm-realtime/internal/infrastructure/redis"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// EventPublisher pushes events to the other server instances. Satisfied by
// kafka.KafkaProducer.
type EventPublisher interface {
	SendEvent(ctx context.Context, event interface{}) error
}

type Server struct {
	config   *config.Config
	redis    *redis.RedisClient
	producer EventPublisher
	streams  *StreamManager
	logger   *zap.Logger
}

func NewServer(cfg *config.Config, redis *redis.RedisClient, producer EventPublisher, streams *StreamManager, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		redis:    redis,
		producer: producer,
		streams:  streams,
		logger:   logger,
	}
}

func (s *Server) Start() error {
	app := s.buildApp()
	s.logger.Info("realtime server starting", zap.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "CRM Realtime Server",
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,X-User-ID",
		ExposeHeaders:    "Content-Length,Content-Type",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
	} else {
		corsConfig.AllowOrigins = "*"
		corsConfig.AllowCredentials = false // never allow credentials with wildcard origin
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"message":     "CRM realtime server is running",
			"environment": s.config.Environment,
			"streams":     s.streams.ActiveStreams(),
		})
	})

	api := app.Group("/api/realtime", s.requireBearerToken)
	api.Get("/events-stream", s.handleEventStream)
	api.Post("/typing", s.handleStartTyping)
	api.Delete("/typing", s.handleStopTyping)
	api.Post("/presence", s.handleUpdatePresence)
	api.Put("/message-status", s.handleMarkRead)
	api.Get("/chats/:chat_id/typing", s.handleGetTypingUsers)
	api.Get("/presence/:user_id", s.handleGetPresence)

	return app
}

// requireBearerToken guards the realtime API with the shared token. Left
// open when no token is configured (development).
func (s *Server) requireBearerToken(c *fiber.Ctx) error {
	if s.config.AuthToken == "" {
		return c.Next()
	}
	auth := c.Get(fiber.HeaderAuthorization)
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth || token != s.config.AuthToken {
		return c.Status(fiber.StatusUnauthorized).JSON(domain.APIResponse{
			Success: false,
			Error:   "invalid or missing bearer token",
		})
	}
	return c.Next()
}

// handleEventStream serves the SSE stream. The lastEventTime query parameter
// is accepted as a resume hint but the server keeps no replay buffer; clients
// are expected to rebuild state and tolerate gaps.
func (s *Server) handleEventStream(c *fiber.Ctx) error {
	chatID := c.Query("chatId")
	uid := userID(c, "")

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	id, events := s.streams.Subscribe(chatID)
	if chatID != "" && uid != "" {
		s.announceChatJoin(chatID, uid)
	}
	heartbeatEvery := s.config.HeartbeatInterval / 2

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			s.streams.Unsubscribe(id)
			if chatID != "" && uid != "" {
				s.announceChatLeave(chatID, uid)
			}
		}()

		connected := domain.ConnectedPayload{ConnectionID: id, Timestamp: time.Now()}
		if err := writeSSE(w, domain.EventConnected, connected); err != nil {
			return
		}

		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()

		for {
			select {
			case env := <-events:
				if err := writeSSERaw(w, env.Event, env.Data); err != nil {
					return
				}
			case <-heartbeat.C:
				hb := domain.HeartbeatPayload{Timestamp: time.Now()}
				if err := writeSSE(w, domain.EventHeartbeat, hb); err != nil {
					return
				}
			}
		}
	})
	return nil
}

// announceChatJoin records the subscriber in the chat's online set and pushes
// the updated count to everyone as a presence event.
func (s *Server) announceChatJoin(chatID, uid string) {
	ctx := context.Background()
	if err := s.redis.AddUserToChat(ctx, chatID, uid); err != nil {
		s.logger.Warn("failed to record chat membership", zap.Error(err))
	}
	s.broadcastChatCount(ctx, chatID, uid, domain.PresenceOnline)
}

// announceChatLeave drops the subscriber from the set. The user's own status
// comes from the presence store; leaving one chat does not make them offline.
func (s *Server) announceChatLeave(chatID, uid string) {
	ctx := context.Background()
	if err := s.redis.RemoveUserFromChat(ctx, chatID, uid); err != nil {
		s.logger.Warn("failed to clear chat membership", zap.Error(err))
	}
	status := domain.PresenceOffline
	if p, err := s.redis.GetPresence(ctx, uid); err == nil {
		status = p.Status
	}
	s.broadcastChatCount(ctx, chatID, uid, status)
}

func (s *Server) broadcastChatCount(ctx context.Context, chatID, uid, status string) {
	count, err := s.redis.GetChatOnlineCount(ctx, chatID)
	if err != nil {
		s.logger.Warn("failed to read chat online count", zap.Error(err))
	}

	now := time.Now()
	p := domain.PresenceStatus{
		UserID:    uid,
		Status:    status,
		LastSeen:  now,
		Timestamp: now,
		Data:      &domain.PresenceData{ChatID: chatID, Count: count},
	}
	s.streams.HandlePresence(p)
	if err := s.producer.SendEvent(ctx, p); err != nil {
		s.logger.Warn("failed to publish chat presence", zap.Error(err))
	}
}

func writeSSE(w *bufio.Writer, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeSSERaw(w, event, data)
}

func writeSSERaw(w *bufio.Writer, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
