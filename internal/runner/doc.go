// Package runner coordinates message exchange with the Anthropic Messages API
// and dispatches FHL tool calls.
//
// Invariants:
//   - every tool_use id issued by an assistant turn is answered by exactly one
//     tool_result in the user turn that follows it, before the next model call;
//   - tool results are correlated by id, never by completion order;
//   - a failed call becomes an error-tagged result and never aborts its batch.
//
// Flow:
//
//	user(text) -> assistant(tool_use...) -> user(tool_result...) -> assistant(text)
package runner
