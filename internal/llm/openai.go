package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/config"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/resilience"
)

const (
	finishReasonStop         = "stop"
	finishReasonToolCalls    = "tool_calls"
	finishReasonFunctionCall = "function_call"
	finishReasonLength       = "length"
	finishReasonFilter       = "content_filter"
)

var _ Generator = (*OpenAI)(nil)

// OpenAIConfig configures an OpenAI-compatible chat completions backend
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	FirstToken time.Duration
	MaxRetries int
}

// OpenAIConfigFrom extracts the generation settings from the service config
func OpenAIConfigFrom(cfg *config.Config) OpenAIConfig {
	return OpenAIConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.OpenAIModel,
		FirstToken: config.Millis(cfg.GenerationFirstTokenMs),
		MaxRetries: cfg.RetryMaxAttempts,
	}
}

// OpenAI implements Generator with streamed chat completions
type OpenAI struct {
	client     openai.Client
	model      string
	firstToken time.Duration
	logger     zerolog.Logger
}

// NewOpenAI creates a generator
func NewOpenAI(cfg OpenAIConfig, logger zerolog.Logger) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		firstToken: cfg.FirstToken,
		logger:     logger.With().Str("component", "openai").Logger(),
	}
}

// Stream starts a streamed completion. The first chunk must arrive within
// the configured first-token budget or the stream fails with
// resilience.ErrFirstResponseTimeout.
func (g *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := g.params(req)
	if err != nil {
		return nil, err
	}

	ctx, fr := resilience.WithFirstResponse(ctx, "generation", g.firstToken)
	s := &openAIStream{
		ctx:    ctx,
		fr:     fr,
		kind:   req.Kind,
		start:  time.Now(),
		tools:  make(map[int64]*ToolCall),
		logger: g.logger,
	}
	s.stream = g.client.Chat.Completions.NewStreaming(ctx, params)
	return s, nil
}

func (g *OpenAI) params(req Request) (openai.ChatCompletionNewParams, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		mp, err := convMessage(m)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, mp)
	}

	params := openai.ChatCompletionNewParams{
		Model:    g.model,
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: param.NewOpt(tool.Description),
				Parameters:  convSchema(tool.Parameters),
			},
		})
	}
	if len(req.Tools) > 0 && req.ToolChoice != "" {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: param.NewOpt(string(req.ToolChoice)),
		}
	}
	return params, nil
}

func convMessage(m Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content), nil
	case RoleUser:
		return openai.UserMessage(m.Content), nil
	case RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID), nil
	case RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return openai.AssistantMessage(m.Content), nil
		}
		am := &openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			am.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(m.Content),
			}
		}
		for _, tc := range m.ToolCalls {
			am.ToolCalls = append(am.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: am}, nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unexpected message role: %s", m.Role)
	}
}

func convSchema(s *jsonschema.Schema) openai.FunctionParameters {
	if s == nil {
		return openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m openai.FunctionParameters
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// openAIStream turns completion chunks into events. Tool call fragments are
// accumulated by index and emitted whole once the choice finishes.
type openAIStream struct {
	ctx    context.Context
	fr     *resilience.FirstResponse
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	kind   string
	logger zerolog.Logger

	start      time.Time
	firstToken time.Duration
	index      int64
	selected   bool

	pending []Event
	tools   map[int64]*ToolCall
	order   []int64
	done    bool

	finishOnce sync.Once
}

func (s *openAIStream) Next() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			s.finish(nil)
			return Event{}, io.EOF
		}

		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				err = resilience.Cause(s.ctx, fmt.Errorf("generation stream failed: %w", err))
				s.finish(err)
				return Event{}, err
			}
			s.commitTools()
			s.done = true
			continue
		}

		if err := s.consume(s.stream.Current()); err != nil {
			s.finish(err)
			return Event{}, err
		}
	}
}

func (s *openAIStream) consume(chunk openai.ChatCompletionChunk) error {
	if len(chunk.Choices) == 0 {
		return nil
	}
	if s.firstToken == 0 {
		s.firstToken = time.Since(s.start)
		s.fr.Received()
	}

	var sel *openai.ChatCompletionChunkChoice
	if !s.selected {
		s.selected = true
		s.index = chunk.Choices[0].Index
	}
	for i := range chunk.Choices {
		if chunk.Choices[i].Index == s.index {
			sel = &chunk.Choices[i]
			break
		}
	}
	if sel == nil {
		return nil
	}

	if text := sel.Delta.Content; text != "" {
		s.pending = append(s.pending, Event{Text: text})
	}
	for _, t := range sel.Delta.ToolCalls {
		tc, ok := s.tools[t.Index]
		if !ok {
			tc = &ToolCall{}
			s.tools[t.Index] = tc
			s.order = append(s.order, t.Index)
		}
		if t.ID != "" {
			tc.ID = t.ID
		}
		tc.Name += t.Function.Name
		tc.Arguments += t.Function.Arguments
	}

	switch sel.FinishReason {
	case finishReasonStop, finishReasonToolCalls, finishReasonFunctionCall:
		s.commitTools()
		s.done = true
	case finishReasonLength:
		s.logger.Warn().Str("kind", s.kind).Msg("Generation truncated at token limit")
		s.commitTools()
		s.done = true
	case finishReasonFilter:
		return fmt.Errorf("generation blocked by content filter")
	}
	if refusal := sel.Delta.Refusal; refusal != "" {
		return fmt.Errorf("generation refused: %s", refusal)
	}
	return nil
}

func (s *openAIStream) commitTools() {
	for _, idx := range s.order {
		tc := s.tools[idx]
		if tc.Name == "" {
			s.logger.Warn().Int64("index", idx).Msg("Dropping tool call without a name")
			continue
		}
		s.pending = append(s.pending, Event{ToolCall: tc})
	}
	s.order = nil
	clear(s.tools)
}

func (s *openAIStream) finish(err error) {
	s.finishOnce.Do(func() {
		observability.ObserveGeneration(s.kind, err == nil, s.firstToken)
	})
}

func (s *openAIStream) Close() error {
	s.fr.Stop()
	return s.stream.Close()
}
