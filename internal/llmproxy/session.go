// Package llmproxy implements a transparent reverse proxy in front of a
// local LLM server that tees the streaming generation paths into
// session records without buffering the stream.
package llmproxy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session is one LLM generation request's lifecycle record, mirroring
// the llm_sessions storage row.
type Session struct {
	ID                    string
	Model                 string
	StartTime             time.Time
	EndTime               time.Time
	Ended                 bool
	PromptTokens          int
	CompletionTokens      int
	TotalTokens           int
	TokensPerSecond       *float64
	TimeToFirstTokenMs    *float64
	TimePerOutputTokenMs  *float64
	firstTokenAt          time.Time
	sawFirstToken         bool
}

// upstreamChunk is one newline-delimited JSON object from the model
// server's streaming response.
type upstreamChunk struct {
	Model             string `json:"model"`
	Response          string `json:"response"`
	Done              bool   `json:"done"`
	PromptEvalCount   int    `json:"prompt_eval_count"`
	EvalCount         int    `json:"eval_count"`
	EvalDurationNanos int64  `json:"eval_duration"`
	Message           *struct {
		Content string `json:"content"`
	} `json:"message"`
}

// newSession starts a session at the first response byte.
func newSession(model string, start time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Model:     model,
		StartTime: start,
	}
}

// delta returns the chunk's non-empty text delta, whether from the
// /api/generate "response" field or the /api/chat "message.content" one.
func (c *upstreamChunk) delta() string {
	if c.Message != nil && c.Message.Content != "" {
		return c.Message.Content
	}
	return c.Response
}

// observe feeds one parsed chunk into the session's lifecycle. now is
// the wall-clock time the chunk was received.
func (s *Session) observe(chunk upstreamChunk, now time.Time) {
	if s.Model == "" && chunk.Model != "" {
		s.Model = chunk.Model
	}

	if !s.sawFirstToken && chunk.delta() != "" {
		s.sawFirstToken = true
		s.firstTokenAt = now
		ms := float64(now.Sub(s.StartTime)) / float64(time.Millisecond)
		s.TimeToFirstTokenMs = &ms
	}

	if chunk.Done {
		s.finalize(chunk, now)
	}
}

// finalize copies the final token counts, computes tokens_per_second
// preferring the upstream-reported eval_duration over a wall-clock
// fallback, and derives time_per_output_token_ms as its reciprocal.
func (s *Session) finalize(chunk upstreamChunk, now time.Time) {
	if s.Ended {
		return
	}
	s.Ended = true
	s.EndTime = now
	s.PromptTokens = chunk.PromptEvalCount
	s.CompletionTokens = chunk.EvalCount
	s.TotalTokens = chunk.PromptEvalCount + chunk.EvalCount

	if s.CompletionTokens <= 0 {
		return
	}

	var seconds float64
	if chunk.EvalDurationNanos > 0 {
		seconds = float64(chunk.EvalDurationNanos) / 1e9
	} else {
		seconds = now.Sub(s.StartTime).Seconds()
	}
	if seconds <= 0 {
		return
	}

	tps := float64(s.CompletionTokens) / seconds
	s.TokensPerSecond = &tps
	perToken := 1000 / tps
	s.TimePerOutputTokenMs = &perToken
}

// abort finalizes the session with best-known counters and a null TPS,
// exactly once, for streams that hang up before emitting done=true.
func (s *Session) abort(now time.Time) {
	if s.Ended {
		return
	}
	s.Ended = true
	s.EndTime = now
}

// parseChunk unmarshals one NDJSON line. Malformed lines are reported
// to the caller, who is expected to log and continue: a parse failure
// must never interrupt the byte-transparent forward to the client.
func parseChunk(line []byte) (upstreamChunk, error) {
	var c upstreamChunk
	err := json.Unmarshal(line, &c)
	return c, err
}
