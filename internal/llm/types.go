// Package llm is the streaming interface to the language-generation service.
package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Role tags a message in the conversation
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured tool invocation produced by the model
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one role-tagged entry of the conversation
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant messages that invoked tools
	ToolCalls []ToolCall

	// ToolCallID links a tool message to the call it answers
	ToolCallID string
}

func SystemMessage(text string) Message    { return Message{Role: RoleSystem, Content: text} }
func UserMessage(text string) Message      { return Message{Role: RoleUser, Content: text} }
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// ToolMessage answers the tool call with the given id
func ToolMessage(id, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: id}
}

// Tool is a function the model may call
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// NewTool derives the parameter schema from the argument type T
func NewTool[T any](name, description string) (Tool, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return Tool{}, err
	}
	return Tool{Name: name, Description: description, Parameters: schema}, nil
}

// ToolChoice controls whether the model may or must call a tool
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// Request is one generation call
type Request struct {
	// Kind labels the call in metrics and logs (extraction, response)
	Kind string

	Messages    []Message
	Tools       []Tool
	ToolChoice  ToolChoice
	Temperature float64
	MaxTokens   int
}

// Event is one streamed piece of output: either text or a completed tool call
type Event struct {
	Text     string
	ToolCall *ToolCall
}

// Stream yields generation events until Next returns io.EOF
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Generator opens streaming generation calls
type Generator interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Result is a fully collected generation
type Result struct {
	Text      string
	ToolCalls []ToolCall
}

// Collect drains s and closes it
func Collect(s Stream) (Result, error) {
	defer s.Close()

	var (
		res  Result
		text strings.Builder
	)
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			res.Text = text.String()
			return res, nil
		}
		if err != nil {
			return Result{}, err
		}
		text.WriteString(ev.Text)
		if ev.ToolCall != nil {
			res.ToolCalls = append(res.ToolCalls, *ev.ToolCall)
		}
	}
}
