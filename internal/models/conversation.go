package models

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockText   BlockType = "text"
	BlockTool   BlockType = "tool"
	BlockVisual BlockType = "visual"
)

type ContentBlock struct {
	ID   string    `json:"id"`
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`
	Data any       `json:"data,omitempty"`
}

type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Status    string         `json:"status,omitempty"`
	Artifact  *Artifact      `json:"artifact,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Conversation owns its messages in order.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const maxTitleRunes = 60

func NewConversation(firstQuery string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.New().String(),
		Title:     TitleFromQuery(firstQuery),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TitleFromQuery truncates the first query to a short title.
func TitleFromQuery(q string) string {
	r := []rune(q)
	if len(r) <= maxTitleRunes {
		return q
	}
	return string(r[:maxTitleRunes]) + "..."
}

func NewTextMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   []ContentBlock{{ID: uuid.New().String(), Type: BlockText, Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

func (c *Conversation) Append(msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
	c.UpdatedAt = time.Now().UTC()
}

func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		UpdatedAt:    c.UpdatedAt,
	}
}
