package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fhlbible/chatbot/internal/chatlog"
	"github.com/fhlbible/chatbot/internal/provider"
	"github.com/fhlbible/chatbot/memory"
)

// ToolInvoker is the slice of the MCP connection the runner depends on.
type ToolInvoker interface {
	AnthropicTools() ([]anthropic.ToolUnionParam, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Config carries the per-session knobs for a Runner.
type Config struct {
	Model        anthropic.Model
	MaxTokens    int64
	SystemPrompt string
	// MaxHistory bounds the transcript before each outbound model call;
	// 0 keeps everything.
	MaxHistory int
	// MaxToolIterations bounds tool-use cycles within one user turn; 0 means
	// the loop runs until the model stops asking.
	MaxToolIterations int
	ChatLog           *chatlog.Logger
	Log               *zap.Logger
}

// Runner drives one conversation: it owns the tool-use loop for each user
// message and hands a full turn record to the chat logger when the turn
// settles.
type Runner struct {
	client  *anthropic.Client
	conn    ToolInvoker
	conv    *memory.Conversation
	chatLog *chatlog.Logger
	log     *zap.Logger

	model        anthropic.Model
	maxTokens    int64
	system       string
	maxHistory   int
	maxToolIters int
}

func New(client *anthropic.Client, conn ToolInvoker, conv *memory.Conversation, cfg Config) *Runner {
	if cfg.Model == "" {
		cfg.Model = provider.DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = provider.DefaultMaxTokens
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Runner{
		client:       client,
		conn:         conn,
		conv:         conv,
		chatLog:      cfg.ChatLog,
		log:          cfg.Log,
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		system:       cfg.SystemPrompt,
		maxHistory:   cfg.MaxHistory,
		maxToolIters: cfg.MaxToolIterations,
	}
}

// toolCallRequest is one tool_use block mapped out of a model response.
type toolCallRequest struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// toolCallResult is the settled outcome of one request, success or error.
type toolCallResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
	Elapsed time.Duration
}

// Chat processes one user message through the full tool-use loop and returns
// the assistant's final text. On error the transcript is left as-is, user
// message included, so the caller can inspect it or retry.
func (r *Runner) Chat(ctx context.Context, userMessage string) (string, error) {
	start := time.Now()
	turnID := uuid.NewString()
	log := r.log.With(zap.String("turn_id", turnID))

	r.conv.Append(anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)))
	r.conv.Prune(r.maxHistory)

	timing := map[string]float64{}
	var callSnaps []chatlog.ToolCall
	var resultSnaps []chatlog.ToolResult

	fail := func(err error) (string, error) {
		r.record(chatlog.Record{
			TurnID:      turnID,
			UserMessage: userMessage,
			ToolCalls:   callSnaps,
			ToolResults: resultSnaps,
			Timing:      timing,
			Error:       err.Error(),
		})
		return "", err
	}

	toolsStart := time.Now()
	tools, err := r.conn.AnthropicTools()
	if err != nil {
		return fail(fmt.Errorf("loading tool catalog: %w", err))
	}
	timing["tools_loading"] = time.Since(toolsStart).Seconds()
	log.Debug("tool catalog loaded", zap.Int("tools", len(tools)))

	params := anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		Tools:     tools,
	}
	if r.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: r.system}}
	}

	callModel := func() (*anthropic.Message, time.Duration, error) {
		params.Messages = r.conv.Snapshot()
		apiStart := time.Now()
		msg, err := r.client.Messages.New(ctx, params)
		return msg, time.Since(apiStart), err
	}

	msg, apiElapsed, err := callModel()
	if err != nil {
		return fail(fmt.Errorf("model call: %w", err))
	}
	timing["initial_api_call"] = apiElapsed.Seconds()

	iteration := 0
	toolSeconds := 0.0
	for msg.StopReason == anthropic.StopReasonToolUse {
		iteration++
		if r.maxToolIters > 0 && iteration > r.maxToolIters {
			return fail(fmt.Errorf("tool-use loop exceeded %d iterations", r.maxToolIters))
		}

		requests := collectToolCalls(msg)
		if len(requests) == 0 {
			break
		}
		log.Debug("tool use iteration",
			zap.Int("iteration", iteration),
			zap.Int("requested", len(requests)),
		)

		// The assistant turn that issued the calls goes in first so the
		// result batch can answer it directly.
		r.conv.Append(msg.ToParam())

		for _, req := range requests {
			callSnaps = append(callSnaps, chatlog.ToolCall{ID: req.ID, Name: req.Name, Input: req.Input})
		}

		batchStart := time.Now()
		batch := r.dispatch(ctx, log, requests)
		toolSeconds += time.Since(batchStart).Seconds()

		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(batch))
		for _, res := range batch {
			resultSnaps = append(resultSnaps, chatlog.ToolResult{
				ToolUseID: res.ID,
				ToolName:  res.Name,
				Elapsed:   res.Elapsed.Seconds(),
				IsError:   res.IsError,
				Error:     errorText(res),
			})
			blocks = append(blocks, anthropic.NewToolResultBlock(res.ID, res.Content, res.IsError))
		}
		r.conv.Append(anthropic.NewUserMessage(blocks...))

		msg, apiElapsed, err = callModel()
		if err != nil {
			timing["tool_execution"] = toolSeconds
			return fail(fmt.Errorf("model call: %w", err))
		}
		timing[fmt.Sprintf("api_call_%d", iteration)] = apiElapsed.Seconds()
	}
	timing["tool_execution"] = toolSeconds

	finalText := collectText(msg)
	r.conv.Append(anthropic.NewAssistantMessage(anthropic.NewTextBlock(finalText)))
	timing["total"] = time.Since(start).Seconds()

	r.record(chatlog.Record{
		TurnID:            turnID,
		UserMessage:       userMessage,
		AssistantResponse: finalText,
		ToolCalls:         callSnaps,
		ToolResults:       resultSnaps,
		Timing:            timing,
	})
	log.Debug("turn complete",
		zap.Int("tool_iterations", iteration),
		zap.Float64("total_seconds", timing["total"]),
	)
	return finalText, nil
}

// dispatch fans all requests out concurrently and joins on every one of them.
// Results land at the index of their originating request, so completion order
// can never reorder the batch.
func (r *Runner) dispatch(ctx context.Context, log *zap.Logger, requests []toolCallRequest) []toolCallResult {
	results := make([]toolCallResult, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req toolCallRequest) {
			defer wg.Done()
			results[i] = r.execTool(ctx, log, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

func (r *Runner) execTool(ctx context.Context, log *zap.Logger, req toolCallRequest) toolCallResult {
	start := time.Now()

	var args map[string]any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &args); err != nil {
			return toolCallResult{
				ID:      req.ID,
				Name:    req.Name,
				Content: "Error: invalid tool input: " + err.Error(),
				IsError: true,
				Elapsed: time.Since(start),
			}
		}
	}

	content, err := r.conn.CallTool(ctx, req.Name, args)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn("tool call failed",
			zap.String("tool", req.Name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return toolCallResult{
			ID:      req.ID,
			Name:    req.Name,
			Content: "Error: " + err.Error(),
			IsError: true,
			Elapsed: elapsed,
		}
	}
	log.Debug("tool call completed",
		zap.String("tool", req.Name),
		zap.Duration("elapsed", elapsed),
	)
	return toolCallResult{ID: req.ID, Name: req.Name, Content: content, Elapsed: elapsed}
}

// collectToolCalls maps the response's tool_use blocks into the explicit
// request form; anything else in the response is left for collectText.
func collectToolCalls(msg *anthropic.Message) []toolCallRequest {
	var requests []toolCallRequest
	for _, block := range msg.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			requests = append(requests, toolCallRequest{
				ID:    tu.ID,
				Name:  tu.Name,
				Input: json.RawMessage(tu.JSON.Input.Raw()),
			})
		}
	}
	return requests
}

// collectText concatenates the text blocks of the response in order.
func collectText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String()
}

func errorText(res toolCallResult) string {
	if !res.IsError {
		return ""
	}
	return strings.TrimPrefix(res.Content, "Error: ")
}

func (r *Runner) record(rec chatlog.Record) {
	if r.chatLog == nil {
		return
	}
	r.chatLog.Record(rec)
}
