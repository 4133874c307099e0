package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// serverModule is the Python module the FHL server runs as.
const serverModule = "fhl_bible_mcp"

// transportBuilder is overridden in tests to stub the stdio transport.
var transportBuilder = stdioTransport

// Tool is one cached catalog entry as reported by the server.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Resource is one resource descriptor as reported by the server.
type Resource struct {
	URI         string
	Name        string
	Description string
}

// Client connects to the FHL Bible MCP server over stdio and exposes its
// tool catalog. The live session is scoped between Connect and Close; the
// session itself tolerates concurrent CallTool invocations.
type Client struct {
	serverPath string
	impl       *mcp.Client

	mu      sync.Mutex
	session *mcp.ClientSession
	tools   []Tool
}

// New returns a client for the FHL server checked out at serverPath.
// No process is started until Connect.
func New(serverPath string) *Client {
	impl := mcp.NewClient(&mcp.Implementation{Name: "fhl-chatbot", Version: "0.1.0"}, nil)
	return &Client{serverPath: serverPath, impl: impl}
}

// venvPython locates the server's virtualenv interpreter, trying the POSIX
// layout first and the Windows one second.
func venvPython(serverPath string) (string, error) {
	candidates := []string{
		filepath.Join(serverPath, ".venv", "bin", "python"),
		filepath.Join(serverPath, ".venv", "Scripts", "python.exe"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &ConnectError{
		Reason: fmt.Sprintf(
			"python not found in server venv; run: cd %s && uv venv && uv pip install -e .",
			serverPath,
		),
	}
}

func stdioTransport(ctx context.Context, serverPath string) (mcp.Transport, error) {
	python, err := venvPython(serverPath)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, python, "-m", serverModule)
	cmd.Env = append(os.Environ(), "PYTHONPATH="+filepath.Join(serverPath, "src"))
	return &mcp.CommandTransport{Command: cmd}, nil
}

// Connect starts the server process, performs the MCP handshake and caches
// the tool catalog. Failures are reported as *ConnectError. Callers must
// Close the client on every exit path once Connect has succeeded.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return &ConnectError{Reason: "already connected"}
	}

	transport, err := transportBuilder(ctx, c.serverPath)
	if err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			return ce
		}
		return &ConnectError{Reason: "building transport", Err: err}
	}

	session, err := c.impl.Connect(ctx, transport, nil)
	if err != nil {
		return &ConnectError{Reason: "initializing session", Err: err}
	}

	tools, err := fetchTools(ctx, session)
	if err != nil {
		_ = session.Close()
		return &ConnectError{Reason: "listing tools", Err: err}
	}

	c.session = session
	c.tools = tools
	return nil
}

// Close tears down the live session, if any. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.tools = nil
	return err
}

func fetchTools(ctx context.Context, session *mcp.ClientSession) ([]Tool, error) {
	var tools []Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshaling schema for %s: %w", tool.Name, err)
		}
		tools = append(tools, Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// currentSession returns the live session or ErrNotConnected.
func (c *Client) currentSession() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// Tools returns the catalog cached at connect time.
func (c *Client) Tools() ([]Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.tools, nil
}

// CallTool forwards one tool call to the server and returns the concatenated
// text content of the result. A remote failure or an error-flagged result
// comes back as *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	session, err := c.currentSession()
	if err != nil {
		return "", err
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", &ToolError{Tool: name, Err: err}
	}
	text := joinTextContent(result.Content)
	if result.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// ListResources lists the resources the server exposes.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}

	res, err := session.ListResources(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(res.Resources))
	for _, r := range res.Resources {
		out = append(out, Resource{URI: r.URI, Name: r.Name, Description: r.Description})
	}
	return out, nil
}

// ReadResource reads one resource by URI and returns its concatenated text.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	session, err := c.currentSession()
	if err != nil {
		return "", err
	}

	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return "", err
	}
	var texts []string
	for _, contents := range res.Contents {
		if contents.Text != "" {
			texts = append(texts, contents.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

func joinTextContent(blocks []mcp.Content) string {
	var texts []string
	for _, b := range blocks {
		if tc, ok := b.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}
