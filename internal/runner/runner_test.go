package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fhlbible/chatbot/internal/chatlog"
	"github.com/fhlbible/chatbot/internal/runner"
	"github.com/fhlbible/chatbot/memory"
)

// scriptedTransport returns canned Messages API responses in order and
// captures every request body it sees.
type scriptedTransport struct {
	mu        sync.Mutex
	responses []string
	captured  [][]byte
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b, _ := io.ReadAll(req.Body)
	_ = req.Body.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, b)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted transport: no response left for request %d", len(s.captured))
	}
	body := s.responses[0]
	s.responses = s.responses[1:]

	resp := &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}

type failingTransport struct{}

func (failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	_ = req.Body.Close()
	resp := &http.Response{
		StatusCode: 500,
		Body:       io.NopCloser(strings.NewReader(`{"type":"error","error":{"type":"api_error","message":"overloaded"}}`)),
		Header:     make(http.Header),
	}
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}

func newClientWithTransport(rt http.RoundTripper) *anthropic.Client {
	c := anthropic.NewClient(
		option.WithHTTPClient(&http.Client{Transport: rt}),
		option.WithAPIKey("test-key"),
	)
	return &c
}

// fakeConn satisfies runner.ToolInvoker without a live MCP session.
type fakeConn struct {
	tools   []anthropic.ToolUnionParam
	handler func(ctx context.Context, name string, args map[string]any) (string, error)
}

func (f *fakeConn) AnthropicTools() ([]anthropic.ToolUnionParam, error) { return f.tools, nil }

func (f *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return f.handler(ctx, name, args)
}

func verseTools() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{{OfTool: &anthropic.ToolParam{
		Name:        "get_bible_verse",
		Description: anthropic.String("Look up a Bible verse"),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{"book": map[string]any{"type": "string"}},
		},
	}}}
}

// Decoded request body shapes, enough for assertions.
type reqContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// resultText extracts the text of a tool_result content field, which can be a
// bare string or an array of text blocks.
func resultText(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		t.Fatalf("unexpected tool_result content shape: %s", raw)
	}
	var b strings.Builder
	for _, blk := range blocks {
		b.WriteString(blk.Text)
	}
	return b.String()
}

type reqBody struct {
	System []struct {
		Text string `json:"text"`
	} `json:"system"`
	Tools []struct {
		Name string `json:"name"`
	} `json:"tools"`
	Messages []struct {
		Role    string       `json:"role"`
		Content []reqContent `json:"content"`
	} `json:"messages"`
}

func decodeRequest(t *testing.T, raw []byte) reqBody {
	t.Helper()
	var rb reqBody
	if err := json.Unmarshal(raw, &rb); err != nil {
		t.Fatalf("unmarshal request body: %v\nbody=%s", err, raw)
	}
	return rb
}

func readRecords(t *testing.T, dir string) []chatlog.Record {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "conversation_*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one json log in %s, got %v (err=%v)", dir, matches, err)
	}
	b, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var records []chatlog.Record
	if err := json.Unmarshal(b, &records); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	return records
}

func newTestChatLog(t *testing.T) (*chatlog.Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := chatlog.New(dir, "json", nil)
	if err != nil {
		t.Fatalf("chatlog: %v", err)
	}
	return l, dir
}

const finalResponse = `{
	"role": "assistant",
	"stop_reason": "end_turn",
	"content": [{"type": "text", "text": "For God so loved the world (John 3:16, unv)."}]
}`

const oneToolResponse = `{
	"role": "assistant",
	"stop_reason": "tool_use",
	"content": [
		{"type": "text", "text": "Let me look that up."},
		{"type": "tool_use", "id": "call-1", "name": "get_bible_verse",
		 "input": {"book": "John", "chapter": 3, "verse": 16, "version": "unv"}}
	]
}`

func TestChat_PlainAnswer_NoTools(t *testing.T) {
	tr := &scriptedTransport{responses: []string{finalResponse}}
	var conv memory.Conversation
	conn := &fakeConn{tools: verseTools(), handler: func(context.Context, string, map[string]any) (string, error) {
		t.Error("no tool call expected")
		return "", nil
	}}

	r := runner.New(newClientWithTransport(tr), conn, &conv, runner.Config{SystemPrompt: "be helpful"})
	got, err := r.Chat(context.Background(), "hello")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != "For God so loved the world (John 3:16, unv)." {
		t.Fatalf("unexpected answer: %q", got)
	}

	// user turn + assistant turn
	if conv.Len() != 2 {
		t.Fatalf("expected 2 turns, got %d", conv.Len())
	}

	rb := decodeRequest(t, tr.captured[0])
	if len(rb.System) != 1 || rb.System[0].Text != "be helpful" {
		t.Fatalf("system prompt not sent: %+v", rb.System)
	}
	if len(rb.Tools) != 1 || rb.Tools[0].Name != "get_bible_verse" {
		t.Fatalf("tool catalog not sent: %+v", rb.Tools)
	}
}

func TestChat_SingleToolRoundTrip(t *testing.T) {
	tr := &scriptedTransport{responses: []string{oneToolResponse, finalResponse}}
	var conv memory.Conversation
	var gotArgs map[string]any
	conn := &fakeConn{tools: verseTools(), handler: func(_ context.Context, name string, args map[string]any) (string, error) {
		if name != "get_bible_verse" {
			t.Errorf("unexpected tool %q", name)
		}
		gotArgs = args
		return "John 3:16 For God so loved the world...", nil
	}}

	cl, dir := newTestChatLog(t)
	r := runner.New(newClientWithTransport(tr), conn, &conv, runner.Config{ChatLog: cl})
	got, err := r.Chat(context.Background(), "John 3:16 in unv")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(got, "John 3:16") {
		t.Fatalf("final answer should carry the verse, got %q", got)
	}

	if gotArgs["book"] != "John" || gotArgs["version"] != "unv" {
		t.Fatalf("tool args not forwarded: %+v", gotArgs)
	}
	if gotArgs["chapter"] != float64(3) || gotArgs["verse"] != float64(16) {
		t.Fatalf("numeric args not forwarded: %+v", gotArgs)
	}

	// Transcript: user, assistant(tool_use), user(tool_result), assistant(text).
	if conv.Len() != 4 {
		t.Fatalf("expected 4 turns, got %d", conv.Len())
	}

	// Second request must answer call-1 with a tool_result.
	rb := decodeRequest(t, tr.captured[1])
	last := rb.Messages[len(rb.Messages)-1]
	if last.Role != "user" || len(last.Content) != 1 {
		t.Fatalf("unexpected result turn: %+v", last)
	}
	if last.Content[0].Type != "tool_result" || last.Content[0].ToolUseID != "call-1" {
		t.Fatalf("tool_result not correlated: %+v", last.Content[0])
	}
	if last.Content[0].IsError {
		t.Fatalf("successful call flagged as error: %+v", last.Content[0])
	}

	records := readRecords(t, dir)
	if len(records) != 1 {
		t.Fatalf("expected 1 turn record, got %d", len(records))
	}
	rec := records[0]
	if rec.Error != "" {
		t.Fatalf("unexpected error in record: %q", rec.Error)
	}
	if len(rec.ToolCalls) != 1 || rec.ToolCalls[0].Name != "get_bible_verse" || rec.ToolCalls[0].ID != "call-1" {
		t.Fatalf("tool call snapshot wrong: %+v", rec.ToolCalls)
	}
	if len(rec.ToolResults) != 1 || rec.ToolResults[0].IsError {
		t.Fatalf("tool result snapshot wrong: %+v", rec.ToolResults)
	}
	if rec.UserMessage != "John 3:16 in unv" || !strings.Contains(rec.AssistantResponse, "John 3:16") {
		t.Fatalf("record text wrong: %+v", rec)
	}
	for _, phase := range []string{"tools_loading", "initial_api_call", "tool_execution", "total"} {
		if _, ok := rec.Timing[phase]; !ok {
			t.Fatalf("timing missing phase %q: %+v", phase, rec.Timing)
		}
	}
}

const twoToolResponse = `{
	"role": "assistant",
	"stop_reason": "tool_use",
	"content": [
		{"type": "tool_use", "id": "call-slow", "name": "get_bible_verse",
		 "input": {"book": "John", "chapter": 3, "verse": 16}},
		{"type": "tool_use", "id": "call-bad", "name": "search_verses",
		 "input": {"keyword": "love"}}
	]
}`

func TestChat_ParallelBatch_OneFailure(t *testing.T) {
	tr := &scriptedTransport{responses: []string{twoToolResponse, finalResponse}}
	var conv memory.Conversation

	// Both handlers rendezvous before returning, so the test only passes when
	// the batch is dispatched concurrently.
	var barrier sync.WaitGroup
	barrier.Add(2)
	conn := &fakeConn{tools: verseTools(), handler: func(_ context.Context, name string, _ map[string]any) (string, error) {
		barrier.Done()
		barrier.Wait()
		if name == "search_verses" {
			return "", errors.New("simulated remote failure")
		}
		return "verse text", nil
	}}

	cl, dir := newTestChatLog(t)
	r := runner.New(newClientWithTransport(tr), conn, &conv, runner.Config{ChatLog: cl})
	got, err := r.Chat(context.Background(), "compare John 3:16 with verses about love")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got == "" {
		t.Fatal("expected a final answer after the partial failure")
	}

	// The result batch answers both ids, in request order.
	rb := decodeRequest(t, tr.captured[1])
	last := rb.Messages[len(rb.Messages)-1]
	if len(last.Content) != 2 {
		t.Fatalf("expected 2 tool_results, got %+v", last.Content)
	}
	if last.Content[0].ToolUseID != "call-slow" || last.Content[0].IsError {
		t.Fatalf("first result wrong: %+v", last.Content[0])
	}
	if last.Content[1].ToolUseID != "call-bad" || !last.Content[1].IsError {
		t.Fatalf("second result should be error-tagged: %+v", last.Content[1])
	}

	records := readRecords(t, dir)
	rec := records[0]
	if len(rec.ToolResults) != 2 {
		t.Fatalf("expected 2 result snapshots, got %+v", rec.ToolResults)
	}
	if rec.ToolResults[0].IsError || !rec.ToolResults[1].IsError {
		t.Fatalf("error flags wrong: %+v", rec.ToolResults)
	}
	if !strings.Contains(rec.ToolResults[1].Error, "simulated remote failure") {
		t.Fatalf("error text not captured: %+v", rec.ToolResults[1])
	}
}

func TestChat_BatchOrder_IndependentOfCompletionOrder(t *testing.T) {
	const n = 4
	var content strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			content.WriteString(",")
		}
		fmt.Fprintf(&content, `{"type":"tool_use","id":"call-%d","name":"get_bible_verse","input":{"verse":%d}}`, i, i)
	}
	resp := fmt.Sprintf(`{"role":"assistant","stop_reason":"tool_use","content":[%s]}`, content.String())

	tr := &scriptedTransport{responses: []string{resp, finalResponse}}
	var conv memory.Conversation

	// Rendezvous of all n calls gives arbitrary completion interleaving.
	var barrier sync.WaitGroup
	barrier.Add(n)
	conn := &fakeConn{tools: verseTools(), handler: func(_ context.Context, _ string, args map[string]any) (string, error) {
		barrier.Done()
		barrier.Wait()
		return fmt.Sprintf("result-%v", args["verse"]), nil
	}}

	r := runner.New(newClientWithTransport(tr), conn, &conv, runner.Config{})
	if _, err := r.Chat(context.Background(), "verses"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	rb := decodeRequest(t, tr.captured[1])
	last := rb.Messages[len(rb.Messages)-1]
	if len(last.Content) != n {
		t.Fatalf("expected %d tool_results, got %d", n, len(last.Content))
	}
	for i, c := range last.Content {
		wantID := fmt.Sprintf("call-%d", i)
		if c.ToolUseID != wantID {
			t.Fatalf("result %d answers %q, want %q", i, c.ToolUseID, wantID)
		}
		if want := fmt.Sprintf("result-%d", i); resultText(t, c.Content) != want {
			t.Fatalf("result %d content %q, want %q", i, resultText(t, c.Content), want)
		}
	}
}

func TestChat_MaxIterations_FailsTurn(t *testing.T) {
	// The model keeps asking for tools forever.
	tr := &scriptedTransport{responses: []string{oneToolResponse, oneToolResponse, oneToolResponse, oneToolResponse}}
	var conv memory.Conversation
	conn := &fakeConn{tools: verseTools(), handler: func(context.Context, string, map[string]any) (string, error) {
		return "verse text", nil
	}}

	cl, dir := newTestChatLog(t)
	r := runner.New(newClientWithTransport(tr), conn, &conv, runner.Config{MaxToolIterations: 2, ChatLog: cl})
	_, err := r.Chat(context.Background(), "loop forever")
	if err == nil || !strings.Contains(err.Error(), "exceeded 2 iterations") {
		t.Fatalf("expected iteration bound error, got %v", err)
	}

	rec := readRecords(t, dir)[0]
	if rec.Error == "" || rec.AssistantResponse != "" {
		t.Fatalf("failed turn record wrong: %+v", rec)
	}
}

func TestChat_ModelError_LeavesTranscriptIntact(t *testing.T) {
	var conv memory.Conversation
	conn := &fakeConn{tools: verseTools(), handler: func(context.Context, string, map[string]any) (string, error) {
		return "", nil
	}}

	cl, dir := newTestChatLog(t)
	r := runner.New(newClientWithTransport(failingTransport{}), conn, &conv, runner.Config{ChatLog: cl})
	_, err := r.Chat(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected model call error")
	}

	// The user's message stays so the caller can retry by re-submitting.
	if conv.Len() != 1 {
		t.Fatalf("expected the user turn to remain, got %d turns", conv.Len())
	}

	rec := readRecords(t, dir)[0]
	if rec.Error == "" {
		t.Fatalf("error not recorded: %+v", rec)
	}
	if rec.UserMessage != "hello" || rec.AssistantResponse != "" {
		t.Fatalf("failed turn record wrong: %+v", rec)
	}
}

func TestChat_PruneAppliedBeforeModelCall(t *testing.T) {
	tr := &scriptedTransport{responses: []string{finalResponse}}
	var conv memory.Conversation
	for i := 0; i < 6; i++ {
		conv.Append(anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf("old-%d", i))))
	}
	conn := &fakeConn{tools: verseTools(), handler: func(context.Context, string, map[string]any) (string, error) {
		return "", nil
	}}

	r := runner.New(newClientWithTransport(tr), conn, &conv, runner.Config{MaxHistory: 3})
	if _, err := r.Chat(context.Background(), "newest"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	rb := decodeRequest(t, tr.captured[0])
	if len(rb.Messages) != 3 {
		t.Fatalf("expected pruned window of 3 turns, got %d", len(rb.Messages))
	}
	lastSent := rb.Messages[len(rb.Messages)-1]
	if lastSent.Content[0].Text != "newest" {
		t.Fatalf("newest turn missing from window: %+v", lastSent)
	}
}

func TestChat_CatalogError_FailsBeforeModelCall(t *testing.T) {
	tr := &scriptedTransport{}
	var conv memory.Conversation
	conn := &failingCatalogConn{}

	r := runner.New(newClientWithTransport(tr), conn, &conv, runner.Config{})
	_, err := r.Chat(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "loading tool catalog") {
		t.Fatalf("expected catalog error, got %v", err)
	}
	if len(tr.captured) != 0 {
		t.Fatal("model must not be called when the catalog is unavailable")
	}
}

type failingCatalogConn struct{}

func (failingCatalogConn) AnthropicTools() ([]anthropic.ToolUnionParam, error) {
	return nil, errors.New("not connected")
}

func (failingCatalogConn) CallTool(context.Context, string, map[string]any) (string, error) {
	return "", errors.New("not connected")
}
