// Package mcpclient manages the connection to the FHL Bible MCP server.
//
// Includes:
//   - Client: scoped session lifecycle (Connect/Close) over a stdio transport.
//   - Tool catalog: fetched once at connect, cached for the session,
//     convertible to Anthropic Messages API tool params.
//   - CallTool: safe for concurrent use on one connected session.
//   - Invariants: every operation that needs a live session checks for one
//     and fails with ErrNotConnected instead of dereferencing absent state.
package mcpclient
