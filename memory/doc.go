// Package memory holds in-process conversation state.
//
// Retention model:
//   - Turns are kept only for the process lifetime; nothing is persisted.
//   - Prune truncates the oldest turns before each outbound model call to
//     bound token cost. Count-based, not token-based.
package memory
