package chat

// Server frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeAuthRequired          = "auth_required"
	TypeAuthSuccess           = "auth_success"
	TypeChatMessage           = "chat_message"
	TypeError                 = "error"
)

// Client-facing texts.
const (
	textAuthRequired   = "Por favor, envía tu token de autenticación"
	textInvalidFormat  = "Formato de mensaje inválido"
	textEmptyMessage   = "El mensaje no puede estar vacío"
	textInternal       = "Error interno del servidor"
	textAlreadyWorking = "Todavía estoy procesando tu mensaje anterior"
)

// Inbound is a client frame. Pointers distinguish absent keys from empty values.
type Inbound struct {
	Token   *string `json:"token,omitempty"`
	Message *string `json:"message,omitempty"`
}

// ConnectionEstablished is the first frame of every connection.
type ConnectionEstablished struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// AuthRequired asks the client for its token.
type AuthRequired struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AuthSuccess confirms authentication.
type AuthSuccess struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	IsAdmin bool   `json:"is_admin"`
}

// ChatMessage carries a user echo, a typing indicator or an assistant answer.
type ChatMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	IsBot    bool   `json:"is_bot"`
	Name     string `json:"name"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorFrame reports a recoverable (or, for expired tokens, final) problem.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
