package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// maxMessageBytes bounds a single inbound JSON-RPC line.
const maxMessageBytes = 10 << 20

// Tool pairs a tool definition with its implementation.
type Tool struct {
	Definition ToolDefinition
	// Execute runs the tool for a tools/call request. Errors are reported in
	// band through ErrorResult, never as JSON-RPC errors.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Resource is a readable document exposed through resources/list and
// resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Read        func() (string, error)
}

// Server speaks MCP over a reader/writer pair, stdin/stdout by default.
// Register tools and resources before calling Serve.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	tools     []Tool
	resources []Resource

	reader io.Reader
	writer io.Writer
	mu     sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger. Diagnostics go to the logger, never
// to the protocol stream.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithIO overrides the transport, used by tests.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(s *Server) { s.reader, s.writer = r, w }
}

// New creates a server identifying itself with the given name and version
// during the initialize handshake.
func New(name, version string, opts ...Option) *Server {
	s := &Server{
		name:    name,
		version: version,
		logger:  slog.New(slog.DiscardHandler),
		reader:  os.Stdin,
		writer:  os.Stdout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddTool registers a tool. Not safe to call after Serve starts.
func (s *Server) AddTool(t Tool) {
	s.tools = append(s.tools, t)
}

// AddResource registers a resource. Not safe to call after Serve starts.
func (s *Server) AddResource(r Resource) {
	s.resources = append(s.resources, r)
}

// Serve reads newline-delimited JSON-RPC messages until the input closes or
// ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, maxMessageBytes), maxMessageBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcpserver: read: %w", err)
	}
	return nil
}

// handleMessage dispatches one line, which may be a batch array.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.write(response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
			})
			return
		}
		for _, raw := range batch {
			s.handleOne(ctx, raw)
		}
		return
	}
	s.handleOne(ctx, data)
}

func (s *Server) handleOne(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}
	if resp := s.dispatch(ctx, &req); resp != nil {
		s.write(*resp)
	}
}

// dispatch routes one request. Notifications return nil.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return respond(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	default:
		if req.isNotification() {
			return nil
		}
		return respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req *request) *response {
	var params initializeParams
	_ = json.Unmarshal(req.Params, &params)
	s.logger.Info("mcp client connected",
		"client", params.ClientInfo.Name, "version", params.ClientInfo.Version)

	caps := serverCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &capability{}
	}
	if len(s.resources) > 0 {
		caps.Resources = &capability{}
	}
	return respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	defs := make([]ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	return respond(req.ID, toolsListResult{Tools: defs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}
	for _, t := range s.tools {
		if t.Definition.Name == params.Name {
			return respond(req.ID, t.Execute(ctx, params.Arguments))
		}
	}
	// Unknown tools fail in band so clients surface them as tool errors.
	return respond(req.ID, ErrorResult("unknown tool: "+params.Name))
}

func (s *Server) handleResourcesList(req *request) *response {
	defs := make([]resourceDef, len(s.resources))
	for i, r := range s.resources {
		defs[i] = resourceDef{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		}
	}
	return respond(req.ID, resourcesListResult{Resources: defs})
}

func (s *Server) handleResourcesRead(req *request) *response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}
	for _, r := range s.resources {
		if r.URI != params.URI {
			continue
		}
		text, err := r.Read()
		if err != nil {
			return respondError(req.ID, errCodeInvalidParams, "read "+params.URI+": "+err.Error())
		}
		return respond(req.ID, resourceReadResult{
			Contents: []resourceContent{{URI: r.URI, MimeType: r.MimeType, Text: text}},
		})
	}
	return respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
}

func respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}
