package domain

import "time"

// Message is a single entry in a conversation thread. Messages are created
// once and never modified.
type Message struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ClassifyRequest is the payload sent to the classification endpoint.
type ClassifyRequest struct {
	ProductURL string `json:"product_url"`
}

// Turn is one resolved submission: the user's message and the single reply
// appended for it.
type Turn struct {
	ConversationID string  `json:"conversation_id"`
	Request        Message `json:"request"`
	Reply          Message `json:"reply"`
}
