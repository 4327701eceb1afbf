package delivery

import (
	"time"

	"crm-realtime/internal/domain"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// userID resolves the acting user. The CRM gateway forwards the identity in
// a header; the contact phone number is the fallback key for WhatsApp chats.
func userID(c *fiber.Ctx, phone string) string {
	if id := c.Get("X-User-ID"); id != "" {
		return id
	}
	return phone
}

func (s *Server) handleStartTyping(c *fiber.Ctx) error {
	var req domain.StartTypingRequest
	if err := c.BodyParser(&req); err != nil || req.ChatID == "" || req.Phone == "" {
		return c.Status(fiber.StatusBadRequest).JSON(domain.APIResponse{
			Success: false,
			Error:   "chat_id and phone are required",
		})
	}

	ind := domain.TypingIndicator{
		UserID:    userID(c, req.Phone),
		ChatID:    req.ChatID,
		Phone:     req.Phone,
		UserName:  req.UserName,
		IsTyping:  true,
		Timestamp: time.Now(),
	}
	return s.publishTyping(c, ind)
}

func (s *Server) handleStopTyping(c *fiber.Ctx) error {
	chatID := c.Query("chatId")
	phone := c.Query("phone")
	if chatID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(domain.APIResponse{
			Success: false,
			Error:   "chatId is required",
		})
	}

	ind := domain.TypingIndicator{
		UserID:    userID(c, phone),
		ChatID:    chatID,
		Phone:     phone,
		IsTyping:  false,
		Timestamp: time.Now(),
	}
	return s.publishTyping(c, ind)
}

// publishTyping records the state in redis, fans out to local streams and
// publishes for the other server instances.
func (s *Server) publishTyping(c *fiber.Ctx, ind domain.TypingIndicator) error {
	if err := s.redis.SetUserTyping(c.Context(), ind.ChatID, ind.UserID, ind.IsTyping); err != nil {
		s.logger.Warn("failed to store typing state", zap.Error(err))
	}

	s.streams.HandleTypingIndicator(ind)

	if err := s.producer.SendEvent(c.Context(), ind); err != nil {
		s.logger.Warn("failed to publish typing indicator", zap.Error(err))
	}

	return c.JSON(domain.APIResponse{Success: true})
}

func (s *Server) handleUpdatePresence(c *fiber.Ctx) error {
	var req domain.PresenceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(domain.APIResponse{
			Success: false,
			Error:   "invalid request body",
		})
	}
	switch req.Status {
	case domain.PresenceOnline, domain.PresenceAway, domain.PresenceOffline:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(domain.APIResponse{
			Success: false,
			Error:   "status must be online, away or offline",
		})
	}

	uid := userID(c, "")
	if uid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(domain.APIResponse{
			Success: false,
			Error:   "X-User-ID header is required",
		})
	}

	now := time.Now()
	if err := s.redis.SetPresence(c.Context(), uid, req.Status, now); err != nil {
		s.logger.Warn("failed to store presence", zap.Error(err))
	}

	p := domain.PresenceStatus{
		UserID:    uid,
		Status:    req.Status,
		LastSeen:  now,
		Timestamp: now,
	}
	s.streams.HandlePresence(p)

	if err := s.producer.SendEvent(c.Context(), p); err != nil {
		s.logger.Warn("failed to publish presence", zap.Error(err))
	}

	return c.JSON(domain.APIResponse{Success: true})
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	var req domain.MarkReadRequest
	if err := c.BodyParser(&req); err != nil || req.ChatID == "" || len(req.MessageIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(domain.APIResponse{
			Success: false,
			Error:   "chat_id and message_ids are required",
		})
	}

	now := time.Now()
	readBy := userID(c, "")

	for _, messageID := range req.MessageIDs {
		st := domain.MessageDeliveryStatus{
			MessageID: messageID,
			Status:    domain.StatusRead,
			ChatID:    req.ChatID,
			Timestamp: now,
			ReadBy:    readBy,
			ReadAt:    &now,
		}
		s.streams.HandleMessageStatus(st)
		if err := s.producer.SendEvent(c.Context(), st); err != nil {
			s.logger.Warn("failed to publish message status", zap.Error(err))
		}
	}

	receipt := domain.ReadReceipt{
		ChatID:     req.ChatID,
		MessageIDs: req.MessageIDs,
		ReadBy:     readBy,
		ReadAt:     now,
	}
	s.streams.Broadcast(req.ChatID, domain.EventReadReceipt, receipt)

	return c.JSON(domain.APIResponse{Success: true})
}

func (s *Server) handleGetTypingUsers(c *fiber.Ctx) error {
	chatID := c.Params("chat_id")
	users, err := s.redis.GetTypingUsers(c.Context(), chatID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(domain.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	}
	return c.JSON(domain.APIResponse{Success: true, Data: users})
}

func (s *Server) handleGetPresence(c *fiber.Ctx) error {
	p, err := s.redis.GetPresence(c.Context(), c.Params("user_id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(domain.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	}
	return c.JSON(domain.APIResponse{Success: true, Data: p})
}
