package llmproxy

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestModifyResponseRecordsSessionStartBeforeStreamingBegins(t *testing.T) {
	rec := &fakeRecorder{}
	p := &Proxy{recorder: rec, logger: zap.NewNop()}

	req := httptest.NewRequest("POST", "http://upstream/api/generate", nil)
	res := httptest.NewRecorder().Result()
	res.Request = req
	res.Body = io.NopCloser(strings.NewReader("{\"model\":\"m\",\"done\":true,\"eval_count\":1,\"eval_duration\":1000000000}\n"))

	if err := p.modifyResponse(res); err != nil {
		t.Fatalf("modifyResponse: %v", err)
	}

	if len(rec.sessions) != 1 {
		t.Fatalf("expected the Start step to record a session with zero counters before streaming, got %d", len(rec.sessions))
	}
	started := rec.sessions[0]
	if started.Ended || started.CompletionTokens != 0 {
		t.Fatalf("expected an in-flight session with end_time unset and zero counters, got %+v", started)
	}

	// Draining the body drives the finalize path, which records a
	// second, completed session.
	buf := make([]byte, 4096)
	for {
		_, err := res.Body.Read(buf)
		if err != nil {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	if len(rec.sessions) != 2 {
		t.Fatalf("expected a second recorded session on finalize, got %d", len(rec.sessions))
	}
}
