package types

import (
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// MessageKind classifies message content.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// MaxContentLength is the upper bound on message content, in characters.
const MaxContentLength = 1000

// Message is a chat message as stored by the server.
type Message struct {
	ID         int64       `json:"id"`
	Content    string      `json:"content"`
	AuthorID   int64       `json:"author_id"`
	AuthorName string      `json:"author_name,omitempty"`
	Kind       MessageKind `json:"kind"`
	CreatedAt  time.Time   `json:"created_at"`
	Edited     bool        `json:"edited"`
	EditedAt   *time.Time  `json:"edited_at,omitempty"`
}

// Less orders messages by creation time, then id.
func (m Message) Less(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

type contentInput struct {
	Content string      `validate:"required,max=1000"`
	Kind    MessageKind `validate:"omitempty,oneof=text image file system"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func contentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateContent checks content and kind before anything is sent to the server.
// Content is trimmed and must hold 1..MaxContentLength characters.
func ValidateContent(content string, kind MessageKind) (string, error) {
	trimmed := strings.TrimSpace(content)
	err := contentValidator().Struct(contentInput{Content: trimmed, Kind: kind})
	if err == nil {
		return trimmed, nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "", &ValidationError{Field: "content", Reason: err.Error()}
	}
	fe := verrs[0]
	switch {
	case fe.Field() == "Kind":
		return "", &ValidationError{Field: "kind", Reason: "unsupported message kind"}
	case fe.Tag() == "required":
		return "", &ValidationError{Field: "content", Reason: "message cannot be empty"}
	default:
		return "", &ValidationError{Field: "content", Reason: "message exceeds 1000 characters"}
	}
}
