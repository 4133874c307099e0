// Package chatlog writes per-session conversation logs.
//
// Two output forms, independently toggleable through the format setting:
//   - a JSON document holding every turn record of the session, rewritten in
//     full after each turn (session volumes are small);
//   - a line-oriented text file appended incrementally, with session header
//     and summary footer.
//
// Recording never fails the turn it describes: write errors are reported on
// the operational logger and swallowed.
package chatlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const sessionIDLayout = "20060102_150405"

// ToolCall is a snapshot of one tool request issued by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is a snapshot of one settled tool call.
type ToolResult struct {
	ToolUseID string  `json:"tool_use_id"`
	ToolName  string  `json:"tool_name"`
	Elapsed   float64 `json:"time"`
	IsError   bool    `json:"is_error"`
	Error     string  `json:"error,omitempty"`
}

// Record captures one completed or failed conversation turn. Records are
// append-only; once handed to the logger they are never mutated.
type Record struct {
	Timestamp         string             `json:"timestamp"`
	TurnID            string             `json:"turn_id"`
	UserMessage       string             `json:"user_message"`
	AssistantResponse string             `json:"assistant_response"`
	ToolCalls         []ToolCall         `json:"tool_calls"`
	ToolResults       []ToolResult       `json:"tool_results"`
	Timing            map[string]float64 `json:"timing"`
	Error             string             `json:"error,omitempty"`
}

// Logger owns the log files for one chat session.
type Logger struct {
	dir       string
	format    string
	sessionID string
	jsonPath  string
	textPath  string
	records   []Record
	log       *zap.Logger
}

// New creates the log directory and, for text output, writes the session
// header. format is one of "json", "text" or "both".
func New(dir, format string, log *zap.Logger) (*Logger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	sessionID := time.Now().Format(sessionIDLayout)
	l := &Logger{
		dir:       dir,
		format:    format,
		sessionID: sessionID,
		jsonPath:  filepath.Join(dir, "conversation_"+sessionID+".json"),
		textPath:  filepath.Join(dir, "conversation_"+sessionID+".txt"),
		log:       log,
	}

	if l.textEnabled() {
		header := fmt.Sprintf("FHL Bible Chatbot Conversation Log\nSession ID: %s\nStarted: %s\n%s\n\n",
			sessionID, time.Now().Format("2006-01-02 15:04:05"), strings.Repeat("=", 80))
		if err := os.WriteFile(l.textPath, []byte(header), 0o644); err != nil {
			return nil, fmt.Errorf("writing log header: %w", err)
		}
	}
	return l, nil
}

func (l *Logger) jsonEnabled() bool { return l.format == "json" || l.format == "both" }
func (l *Logger) textEnabled() bool { return l.format == "text" || l.format == "both" }

// SessionID returns the timestamp identifier shared by both log files.
func (l *Logger) SessionID() string { return l.sessionID }

// Dir returns the directory session logs are written to.
func (l *Logger) Dir() string { return l.dir }

// Record appends one turn record and flushes both enabled output forms.
func (l *Logger) Record(rec Record) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().Format(time.RFC3339)
	}
	if rec.ToolCalls == nil {
		rec.ToolCalls = []ToolCall{}
	}
	if rec.ToolResults == nil {
		rec.ToolResults = []ToolResult{}
	}
	if rec.Timing == nil {
		rec.Timing = map[string]float64{}
	}
	l.records = append(l.records, rec)

	if l.jsonEnabled() {
		if err := l.writeJSON(); err != nil {
			l.log.Warn("chatlog: json write failed", zap.Error(err))
		}
	}
	if l.textEnabled() {
		if err := l.appendText(rec); err != nil {
			l.log.Warn("chatlog: text write failed", zap.Error(err))
		}
	}
}

// Summary appends the session footer to the text log.
func (l *Logger) Summary(totalMessages int, totalTime time.Duration) {
	if !l.textEnabled() {
		return
	}
	footer := fmt.Sprintf("\n\n%s\nSession Summary\nTotal Messages: %d\nTotal Time: %.2fs\nEnded: %s\n",
		strings.Repeat("=", 80), totalMessages, totalTime.Seconds(), time.Now().Format("2006-01-02 15:04:05"))
	if err := appendFile(l.textPath, footer); err != nil {
		l.log.Warn("chatlog: summary write failed", zap.Error(err))
	}
}

func (l *Logger) writeJSON() error {
	b, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.jsonPath, b, 0o644)
}

func (l *Logger) appendText(rec Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s]\n", rec.Timestamp)
	fmt.Fprintf(&b, "User: %s\n", rec.UserMessage)

	if len(rec.ToolCalls) > 0 {
		fmt.Fprintf(&b, "\nTool Calls (%d):\n", len(rec.ToolCalls))
		for _, tc := range rec.ToolCalls {
			fmt.Fprintf(&b, "  - %s: %s\n", tc.Name, string(tc.Input))
		}
	}

	if len(rec.ToolResults) > 0 {
		b.WriteString("\nTool Results:\n")
		for _, tr := range rec.ToolResults {
			mark := "ok "
			if tr.IsError {
				mark = "ERR"
			}
			fmt.Fprintf(&b, "  %s %s (%.2fs)\n", mark, tr.ToolName, tr.Elapsed)
		}
	}

	if len(rec.Timing) > 0 {
		b.WriteString("\nTiming:\n")
		keys := make([]string, 0, len(rec.Timing))
		for k := range rec.Timing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %.2fs\n", k, rec.Timing[k])
		}
	}

	if rec.Error != "" {
		fmt.Fprintf(&b, "\nError: %s\n", rec.Error)
	}

	fmt.Fprintf(&b, "\nAssistant: %s\n", rec.AssistantResponse)
	b.WriteString(strings.Repeat("-", 80) + "\n")
	return appendFile(l.textPath, b.String())
}

func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}
