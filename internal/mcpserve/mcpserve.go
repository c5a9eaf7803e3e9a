// Package mcpserve exposes a kernel Engine as Model Context Protocol tools:
// eval, more, restart and complete. Tool calls are serialized; one Eval is
// outstanding at a time.
package mcpserve

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	kernel "github.com/daios-ai/nbkernel"
	"github.com/daios-ai/nbkernel/internal/historydb"
	"github.com/daios-ai/nbkernel/internal/host"
)

// Options configures a Server.
type Options struct {
	Kernel   kernel.Config
	Version  string
	Recorder *historydb.Recorder
	Logger   *slog.Logger
}

// Server owns one engine and the MCP server that fronts it.
type Server struct {
	mu       sync.Mutex
	eng      *kernel.Engine
	host     *host.Headless
	rec      *historydb.Recorder
	log      *slog.Logger
	displays []map[string]string
	mcp      *mcp.Server
}

type EvalInput struct {
	Code   string         `json:"code" jsonschema:"source chunk to evaluate"`
	Inputs []string       `json:"inputs,omitempty" jsonschema:"answers for input() calls made by this chunk, in order"`
	Data   map[string]any `json:"data,omitempty" jsonschema:"metadata visible to the chunk as __eval_data__"`
}

type EvalOutput struct {
	ExecutionCount int                 `json:"execution_count"`
	Data           map[string]string   `json:"data,omitempty"`
	Stdout         string              `json:"stdout,omitempty"`
	Stderr         string              `json:"stderr,omitempty"`
	Error          string              `json:"error,omitempty"`
	ErrorKind      string              `json:"error_kind,omitempty"`
	Displays       []map[string]string `json:"displays,omitempty"`
}

type MoreInput struct {
	Code string `json:"code" jsonschema:"source typed so far"`
}

type MoreOutput struct {
	More bool `json:"more"`
}

type RestartInput struct{}

type RestartOutput struct {
	ExecutionCount int `json:"execution_count"`
}

type CompleteInput struct {
	Code string `json:"code" jsonschema:"source up to the cursor"`
}

type CompleteOutput struct {
	Matches []string `json:"matches"`
	Start   int      `json:"start"`
}

// New builds the engine and registers the tools. Options.Kernel.Provider,
// Prompter and Display are replaced: input() answers come from the eval
// call and display events are returned with its result.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		host: host.NewHeadless(),
		rec:  opts.Recorder,
		log:  opts.Logger,
	}

	cfg := opts.Kernel
	cfg.Provider = s.host
	cfg.Prompter = s.host
	cfg.Display = kernel.DisplayFunc(s.collectDisplay)
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	eng, err := kernel.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	s.eng = eng

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "nbkernel", Version: opts.Version}, nil)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "eval",
		Description: "Evaluate a Starlark chunk in the persistent kernel namespace. " + eng.Banner(),
	}, s.Eval)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "more",
		Description: "Report whether the code needs more lines before it can run.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.More)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "restart",
		Description: "Clear the namespace and reset the execution counter.",
	}, s.Restart)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "complete",
		Description: "Complete the name or dotted attribute that ends the code.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.Complete)
	return s, nil
}

// Engine returns the served engine.
func (s *Server) Engine() *kernel.Engine { return s.eng }

// SetRecorder attaches a history recorder after construction, once the
// engine's session id is known.
func (s *Server) SetRecorder(rec *historydb.Recorder) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

// Run serves over transport until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcp.Run(ctx, transport)
}

// Eval handles the eval tool. User errors are reported in the output;
// only engine failures are returned as errors.
func (s *Server) Eval(ctx context.Context, _ *mcp.CallToolRequest, in EvalInput) (*mcp.CallToolResult, EvalOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.host.Feed(in.Inputs...)
	s.displays = nil
	var stdout, stderr bytes.Buffer
	res, err := s.eng.Eval(ctx, in.Code, &stdout, &stderr, in.Data)
	if rerr := s.rec.Record(ctx, in.Code, res, err); rerr != nil {
		s.log.Warn("history record failed", "err", rerr)
	}

	out := EvalOutput{
		ExecutionCount: res.Count,
		Data:           res.Data,
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		Displays:       s.displays,
	}
	var kerr *kernel.Error
	switch {
	case err == nil:
	case errors.As(err, &kerr):
		out.Error, out.ErrorKind = kerr.Error(), kerr.Kind.String()
	default:
		return nil, out, err
	}
	return nil, out, nil
}

func (s *Server) More(_ context.Context, _ *mcp.CallToolRequest, in MoreInput) (*mcp.CallToolResult, MoreOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, MoreOutput{More: s.eng.More(in.Code)}, nil
}

func (s *Server) Restart(_ context.Context, _ *mcp.CallToolRequest, _ RestartInput) (*mcp.CallToolResult, RestartOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eng.Restart()
	return nil, RestartOutput{ExecutionCount: s.eng.ExecutionCount()}, nil
}

func (s *Server) Complete(_ context.Context, _ *mcp.CallToolRequest, in CompleteInput) (*mcp.CallToolResult, CompleteOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, start := s.eng.Complete(in.Code)
	if matches == nil {
		matches = []string{}
	}
	return nil, CompleteOutput{Matches: matches, Start: start}, nil
}

// collectDisplay runs inside Eval, under s.mu.
func (s *Server) collectDisplay(event map[string]any) {
	if content, ok := event["content"].(map[string]string); ok {
		s.displays = append(s.displays, content)
	}
}
