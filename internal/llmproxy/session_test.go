package llmproxy

import (
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeRecorder struct {
	sessions []Session
}

func (f *fakeRecorder) RecordSession(s Session) {
	f.sessions = append(f.sessions, s)
}

// nopCloser turns a Reader into a ReadCloser for tests, mirroring the
// shape of an http.Response.Body.
type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestSessionObserveComputesTokensPerSecondFromEvalDuration(t *testing.T) {
	start := time.Now()
	s := newSession("m", start)

	s.observe(upstreamChunk{Model: "m", Response: "hel"}, start.Add(10*time.Millisecond))
	s.observe(upstreamChunk{Model: "m", Response: "lo"}, start.Add(20*time.Millisecond))
	s.observe(upstreamChunk{
		Model:             "m",
		Done:              true,
		PromptEvalCount:   5,
		EvalCount:         7,
		EvalDurationNanos: 2_000_000_000,
	}, start.Add(30*time.Millisecond))

	if !s.Ended {
		t.Fatal("expected session to be finalized")
	}
	if s.PromptTokens != 5 || s.CompletionTokens != 7 || s.TotalTokens != 12 {
		t.Fatalf("unexpected token counts: %+v", s)
	}
	if s.TokensPerSecond == nil || *s.TokensPerSecond != 3.5 {
		t.Fatalf("expected tokens_per_second=3.5, got %v", s.TokensPerSecond)
	}
	want := 1000.0 / 3.5
	if s.TimePerOutputTokenMs == nil || *s.TimePerOutputTokenMs != want {
		t.Fatalf("expected time_per_output_token_ms=%v, got %v", want, s.TimePerOutputTokenMs)
	}
	if s.TimeToFirstTokenMs == nil || *s.TimeToFirstTokenMs != 10 {
		t.Fatalf("expected ttft=10ms, got %v", s.TimeToFirstTokenMs)
	}
}

func TestSessionAbortLeavesTPSNil(t *testing.T) {
	start := time.Now()
	s := newSession("m", start)
	s.observe(upstreamChunk{Model: "m", Response: "hel"}, start.Add(5*time.Millisecond))
	s.observe(upstreamChunk{Model: "m", Response: "lo"}, start.Add(10*time.Millisecond))

	s.abort(start.Add(15 * time.Millisecond))

	if !s.Ended {
		t.Fatal("expected session ended after abort")
	}
	if s.TokensPerSecond != nil {
		t.Fatalf("expected nil tokens_per_second on abort, got %v", *s.TokensPerSecond)
	}
	if s.CompletionTokens != 0 {
		t.Fatalf("expected best-known (zero) completion tokens, got %d", s.CompletionTokens)
	}
}

func TestSessionFinalizeIsIdempotent(t *testing.T) {
	start := time.Now()
	s := newSession("m", start)
	s.observe(upstreamChunk{Model: "m", Done: true, EvalCount: 3, EvalDurationNanos: 1_000_000_000}, start.Add(time.Millisecond))
	first := *s.TokensPerSecond

	s.abort(start.Add(2 * time.Millisecond))
	if *s.TokensPerSecond != first {
		t.Fatal("abort after finalize must not overwrite the finalized session")
	}
}

func TestTeeingBodyEmitsSessionOnDoneWithoutBufferingForwardedBytes(t *testing.T) {
	lines := "{\"model\":\"m\",\"response\":\"hel\"}\n" +
		"{\"model\":\"m\",\"response\":\"lo\"}\n" +
		"{\"model\":\"m\",\"done\":true,\"prompt_eval_count\":5,\"eval_count\":7,\"eval_duration\":2000000000}\n"

	rec := &fakeRecorder{}
	body := &teeingBody{
		underlying: nopCloser{strings.NewReader(lines)},
		session:    newSession("", time.Now()),
		recorder:   rec,
		logger:     zap.NewNop(),
	}

	buf := make([]byte, 4096)
	forwarded := make([]byte, 0, len(lines))
	for {
		n, err := body.Read(buf)
		forwarded = append(forwarded, buf[:n]...)
		if err != nil {
			break
		}
	}

	if string(forwarded) != lines {
		t.Fatalf("proxy must forward bytes unmodified, got %q", forwarded)
	}
	if len(rec.sessions) != 1 {
		t.Fatalf("expected exactly one recorded session, got %d", len(rec.sessions))
	}
	got := rec.sessions[0]
	if got.PromptTokens != 5 || got.CompletionTokens != 7 || got.TotalTokens != 12 {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.TokensPerSecond == nil || *got.TokensPerSecond != 3.5 {
		t.Fatalf("expected tokens_per_second=3.5, got %v", got.TokensPerSecond)
	}
}

func TestTeeingBodyAbortsOnEarlyClose(t *testing.T) {
	lines := "{\"model\":\"m\",\"response\":\"hel\"}\n{\"model\":\"m\",\"response\":\"lo\"}\n"

	rec := &fakeRecorder{}
	body := &teeingBody{
		underlying: nopCloser{strings.NewReader(lines)},
		session:    newSession("", time.Now()),
		recorder:   rec,
		logger:     zap.NewNop(),
	}

	buf := make([]byte, 4096)
	body.Read(buf)
	body.Close()

	if len(rec.sessions) != 1 {
		t.Fatalf("expected exactly one recorded session on close, got %d", len(rec.sessions))
	}
	if !rec.sessions[0].Ended || rec.sessions[0].TokensPerSecond != nil {
		t.Fatalf("expected an aborted session with nil TPS, got %+v", rec.sessions[0])
	}
}
