package memory

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// Conversation is the ordered transcript of turns sent to the model.
// The zero value is an empty, usable transcript.
//
// Turns are anthropic.MessageParam values appended in chronological order;
// the sequence is the model's working memory for the session. The transcript
// lives only for the process lifetime.
type Conversation struct {
	turns []anthropic.MessageParam
}

// Append adds a turn to the end of the transcript.
func (c *Conversation) Append(turn anthropic.MessageParam) {
	c.turns = append(c.turns, turn)
}

// Snapshot returns the current transcript, oldest first. The returned slice
// must not be mutated by callers; the next Append may reuse its backing array.
func (c *Conversation) Snapshot() []anthropic.MessageParam {
	return c.turns
}

// Len reports the number of turns currently held.
func (c *Conversation) Len() int {
	return len(c.turns)
}

// Prune drops the oldest turns so that at most maxTurns remain.
// maxTurns <= 0 means unbounded retention and is a no-op.
//
// Truncation is unconditional: it can separate an assistant tool_use turn
// from its tool_result turn at the retention boundary. That is an accepted
// trade against unbounded token cost, matching the behaviour this replaces.
func (c *Conversation) Prune(maxTurns int) {
	if maxTurns <= 0 || len(c.turns) <= maxTurns {
		return
	}
	c.turns = c.turns[len(c.turns)-maxTurns:]
}

// Clear empties the transcript, typically on a user-initiated reset between
// unrelated conversations.
func (c *Conversation) Clear() {
	c.turns = nil
}
