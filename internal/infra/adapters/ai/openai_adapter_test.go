package ai_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/ports/adapter"
	ai "ai-batch-processor/internal/infra/adapters/ai"
)

func sseServer(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3,\"total_tokens\":10}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIAdapter_StreamsDeltas(t *testing.T) {
	srv := sseServer(t, []string{"Hel", "lo", "!"})
	defer srv.Close()

	a, err := ai.NewOpenAIAdapter("test-key", srv.URL+"/v1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	u, err := a.Stream(context.Background(), adapter.StreamRequest{
		RequestID: "r1", Model: "gpt-4o-mini", Instruction: "greet", Content: "hi",
	}, func(c string) error { got = append(got, c); return nil })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(got, "") != "Hello!" || len(got) != 3 {
		t.Fatalf("chunks = %q", got)
	}
	if u.PromptTokens != 7 || u.CompletionTokens != 3 || u.TotalTokens != 10 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestOpenAIAdapter_EmptyStream(t *testing.T) {
	srv := sseServer(t, nil)
	defer srv.Close()

	a, _ := ai.NewOpenAIAdapter("test-key", srv.URL+"/v1", 0)
	_, err := a.Stream(context.Background(), adapter.StreamRequest{Model: "gpt-4o-mini"}, func(string) error { return nil })
	if !errors.Is(err, domain.ErrEmptyStream) {
		t.Fatalf("expected empty stream, got %v", err)
	}
}

func TestOpenAIAdapter_CredentialsOverrideAndAuthFailure(t *testing.T) {
	srv := sseServer(t, []string{"ok"})
	defer srv.Close()

	a, _ := ai.NewMetisOpenAIAdapter("wrong-key", srv.URL+"/v1", 0)
	_, err := a.Stream(context.Background(), adapter.StreamRequest{Model: "gpt-4o-mini"}, func(string) error { return nil })
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for 401, got %v", err)
	}
	if domain.IsRetryable(err) {
		t.Fatal("auth failures must not be retried")
	}

	_, err = a.Stream(context.Background(), adapter.StreamRequest{
		Model:       "gpt-4o-mini",
		Credentials: adapter.Credentials{APIKey: "test-key"},
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("per-job key should be used: %v", err)
	}
}

func TestOpenAIAdapter_RequiresKey(t *testing.T) {
	if _, err := ai.NewOpenAIAdapter("", "", 0); err == nil {
		t.Fatal("expected error for empty key")
	}
}
