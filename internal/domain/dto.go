package domain

type StartTypingRequest struct {
	ChatID   string `json:"chat_id"`
	Phone    string `json:"phone"`
	UserName string `json:"user_name"`
}

type PresenceRequest struct {
	Status string `json:"status"`
}

type MarkReadRequest struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
