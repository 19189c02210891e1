// Package orchestrator answers caller utterances: it extracts search
// intent, runs at most one claims search, and streams a spoken reply
// sentence by sentence into synthesis.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/config"
	"github.com/lexiqai/claims-voice/internal/eventbus"
	"github.com/lexiqai/claims-voice/internal/llm"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/retrieval"
	"github.com/lexiqai/claims-voice/internal/segmenter"
	"github.com/lexiqai/claims-voice/internal/tts"
)

const (
	toolSearch     = "search_claims_by_keyword"
	toolClearClaim = "clear_locked_claim"
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"short keywords from the caller: names, incident type, vehicle or property, places, dates, or a policy id such as POL-123"`
}

type clearArgs struct{}

// Config tunes generation and playback for every turn
type Config struct {
	Temperature        float64
	MaxTokens          int
	Terminators        string
	PlaybackQueue      int
	PlaybackAckTimeout time.Duration
}

// ConfigFrom extracts the bridge settings from the service config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Temperature:        cfg.OpenAITemperature,
		MaxTokens:          cfg.OpenAIMaxTokens,
		Terminators:        cfg.SentenceTerminators,
		PlaybackQueue:      16,
		PlaybackAckTimeout: config.Millis(cfg.PlaybackAckTimeoutMs),
	}
}

// Bridge turns utterances into spoken replies
type Bridge struct {
	gen       llm.Generator
	retriever retrieval.Retriever
	speaker   tts.Speaker
	cfg       Config
	logger    zerolog.Logger

	searchTool llm.Tool
	clearTool  llm.Tool
}

// NewBridge creates a bridge
func NewBridge(gen llm.Generator, retriever retrieval.Retriever, speaker tts.Speaker, cfg Config, logger zerolog.Logger) (*Bridge, error) {
	search, err := llm.NewTool[searchArgs](toolSearch,
		"Search the claims database with keywords taken from what the caller said.")
	if err != nil {
		return nil, fmt.Errorf("failed to build %s schema: %w", toolSearch, err)
	}
	clearLock, err := llm.NewTool[clearArgs](toolClearClaim,
		"Forget the claim the conversation is locked on, when the caller wants to discuss a different claim.")
	if err != nil {
		return nil, fmt.Errorf("failed to build %s schema: %w", toolClearClaim, err)
	}

	return &Bridge{
		gen:        gen,
		retriever:  retriever,
		speaker:    speaker,
		cfg:        cfg,
		logger:     logger.With().Str("component", "bridge").Logger(),
		searchTool: search,
		clearTool:  clearLock,
	}, nil
}

// extraction is what the routing call decided for one turn
type extraction struct {
	lock        *Lock
	lockChanged bool
	toolArgs    map[string]any
	query       string
	searched    bool
	result      retrieval.Result
}

// Respond answers one utterance. Reply audio goes to sink in order; the
// call returns after the reply was played, or with the first failure.
func (b *Bridge) Respond(ctx context.Context, turn Turn, sink tts.Sink) (Outcome, error) {
	logger := b.logger.With().Str("call_id", turn.CallID).Logger()

	ex, err := b.extract(ctx, turn, logger)
	if err != nil {
		return Outcome{}, err
	}

	var lockedID string
	if ex.lock != nil {
		lockedID = ex.lock.PolicyID
	}
	turn.Events.Publish(eventbus.StateUpdate("", map[string]any{
		"tool_call":        ex.toolArgs,
		"query":            ex.query,
		"results_found":    ex.result.Count,
		"locked_policy_id": lockedID,
	}))

	req := llm.Request{
		Kind:        "response",
		Messages:    b.messages(personaPrompt, turn.History, userPrompt(ex.lock, ex.query, ex.searched, ex.result, turn.Utterance)),
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
	}
	reply, err := b.speak(ctx, req, newPolicyGuard(ex.lock, ex.result), turn, sink, logger)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Reply:        reply,
		Lock:         ex.lock,
		LockChanged:  ex.lockChanged,
		Query:        ex.query,
		ResultsFound: ex.result.Count,
	}, nil
}

func (b *Bridge) extract(ctx context.Context, turn Turn, logger zerolog.Logger) (extraction, error) {
	ex := extraction{lock: turn.Lock, result: retrieval.NewResult(nil)}

	tools := []llm.Tool{b.searchTool}
	if turn.Lock != nil {
		tools = append(tools, b.clearTool)
	}
	s, err := b.gen.Stream(ctx, llm.Request{
		Kind:       "extraction",
		Messages:   b.messages(routingPrompt, turn.History, turn.Utterance),
		Tools:      tools,
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		return ex, fmt.Errorf("extraction failed: %w", err)
	}
	res, err := llm.Collect(s)
	if err != nil {
		return ex, fmt.Errorf("extraction failed: %w", err)
	}

	cleared := false
	for _, tc := range res.ToolCalls {
		switch tc.Name {
		case toolClearClaim:
			if ex.lock != nil {
				logger.Info().Str("policy_id", ex.lock.PolicyID).Msg("Locked claim cleared")
				ex.lock = nil
				ex.lockChanged = true
			}
			cleared = true

		case toolSearch:
			if ex.searched {
				logger.Warn().Str("arguments", tc.Arguments).Msg("Retrieval already ran this turn, ignoring search call")
				continue
			}
			var args searchArgs
			if err := llm.ParseArguments(tc.Arguments, &args); err != nil {
				observability.RecordError("malformed_tool_arguments", "bridge")
				logger.Warn().Err(err).Str("arguments", tc.Arguments).Msg("Malformed search arguments, treating as no result")
				continue
			}
			ex.toolArgs = map[string]any{"name": tc.Name, "query": args.Query}
			ex.query = BuildQuery(args.Query, turn.Utterance, ex.lock)
			ex.result = retrieval.Report(b.retriever.Search(ctx, retrieval.Query{
				Text:        ex.query,
				CallerPhone: turn.CallerPhone,
			}))
			ex.searched = true
			if err := ctx.Err(); err != nil {
				return ex, err
			}

			logger.Info().
				Str("query", ex.query).
				Int("results", ex.result.Count).
				Str("error", ex.result.Error).
				Msg("Claims search")

		default:
			logger.Warn().Str("tool", tc.Name).Msg("Ignoring unknown tool call")
		}
	}

	if ex.searched && ex.result.Count == 1 && (turn.Lock == nil || cleared) {
		rec := ex.result.Records[0]
		ex.lock = &Lock{PolicyID: rec.PolicyID, Record: rec}
		ex.lockChanged = true
		logger.Info().Str("policy_id", rec.PolicyID).Msg("Locked on claim")
	}
	return ex, nil
}

func (b *Bridge) messages(system string, history []llm.Message, user string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.SystemMessage(system))
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.UserMessage(user))
	return msgs
}

// speak streams the response through the segmenter into an ordered playout
// and returns the text that was spoken
func (b *Bridge) speak(ctx context.Context, req llm.Request, guard *policyGuard, turn Turn, sink tts.Sink, logger zerolog.Logger) (string, error) {
	s, err := b.gen.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("response generation failed: %w", err)
	}
	defer s.Close()

	playout := tts.NewPlayout(ctx, b.speaker, sink, tts.PlayoutOptions{
		Queue:        b.cfg.PlaybackQueue,
		OnFirstFrame: turn.OnFirstAudio,
		Logger:       logger,
	})
	// a panicking turn must not leave this writer running next to the apology
	defer func() {
		if r := recover(); r != nil {
			playout.Abort(fmt.Errorf("panic: %v", r))
			playout.Close()
			_ = playout.Wait()
			panic(r)
		}
	}()

	var (
		spoken   strings.Builder
		speaking bool
	)
	dispatch := func(u segmenter.Unit) error {
		u.Text = guard.Apply(u.Text)
		spoken.WriteString(u.Text)
		if !u.Speakable() {
			return nil
		}
		if !speaking {
			speaking = true
			if turn.OnSpeaking != nil {
				turn.OnSpeaking()
			}
		}
		return playout.Dispatch(u)
	}

	seg := segmenter.New(b.cfg.Terminators)
	streamErr := func() error {
		for {
			ev, err := s.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("response generation failed: %w", err)
			}
			for _, u := range seg.Push(ev.Text) {
				if err := dispatch(u); err != nil {
					return err
				}
			}
		}
		if u, ok := seg.Flush(); ok {
			return dispatch(u)
		}
		return nil
	}()

	if streamErr != nil {
		playout.Abort(streamErr)
	}
	playout.Close()
	if err := playout.Wait(); err != nil {
		return "", err
	}
	if streamErr != nil {
		return "", streamErr
	}

	if err := b.awaitPlayback(ctx, sink, playout.LastMark(), logger); err != nil {
		return "", err
	}
	return strings.TrimSpace(spoken.String()), nil
}

// awaitPlayback waits until the caller has heard the last unit, when the
// sink can tell. A missing acknowledgement is logged, not fatal.
func (b *Bridge) awaitPlayback(ctx context.Context, sink tts.Sink, mark string, logger zerolog.Logger) error {
	acker, ok := sink.(tts.PlaybackAcker)
	if !ok || mark == "" {
		return nil
	}

	waitCtx := ctx
	if b.cfg.PlaybackAckTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.cfg.PlaybackAckTimeout)
		defer cancel()
	}

	err := acker.AwaitMark(waitCtx, mark)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logger.Warn().Err(err).Str("mark", mark).Msg("Playback acknowledgement not received")
	return nil
}

// Apologize speaks the fixed apology through the same playout path
func (b *Bridge) Apologize(ctx context.Context, sink tts.Sink) error {
	logger := b.logger
	playout := tts.NewPlayout(ctx, b.speaker, sink, tts.PlayoutOptions{Queue: 1, Logger: logger})
	err := playout.Dispatch(segmenter.Unit{Seq: 0, Text: Apology, Final: true})
	playout.Close()
	if werr := playout.Wait(); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}
	return b.awaitPlayback(ctx, sink, playout.LastMark(), logger)
}
