// Package providertest provides an in-memory tool provider for tests.
package providertest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"basebot/internal/domain"
	"basebot/internal/infra/transport"
)

type ToolHandler func(args map[string]any) (any, *jsonrpc.Error)

// Server is an in-memory tool provider speaking newline-delimited
// JSON-RPC on a pair of pipes.
type Server struct {
	mu             sync.Mutex
	tools          []map[string]any
	PageSize       int
	handlers       map[string]ToolHandler
	SilentInit     bool
	InitError      *jsonrpc.Error
	initCalls      int
	initialized    int
	clientMessages []jsonrpc.Message
	writer         *transport.FrameWriter
	raw            io.Writer
}

func NewServer() *Server {
	return &Server{
		tools: []map[string]any{
			{"name": "getPairsByToken", "description": "Pairs for a token", "inputSchema": map[string]any{"type": "object"}},
		},
		handlers: map[string]ToolHandler{},
	}
}

func (s *Server) Handle(name string, fn ToolHandler) *Server {
	s.mu.Lock()
	s.handlers[name] = fn
	s.mu.Unlock()
	return s
}

func (s *Server) serve(in io.Reader, out io.Writer) {
	s.mu.Lock()
	s.writer = transport.NewFrameWriter(out)
	s.raw = out
	s.mu.Unlock()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		msg, err := transport.DecodeFrame(scanner.Bytes())
		if err != nil {
			continue
		}
		switch typed := msg.(type) {
		case *jsonrpc.Request:
			if !typed.ID.IsValid() {
				if typed.Method == "notifications/initialized" {
					s.mu.Lock()
					s.initialized++
					s.mu.Unlock()
				}
				continue
			}
			go s.respond(typed)
		case *jsonrpc.Response:
			s.mu.Lock()
			s.clientMessages = append(s.clientMessages, typed)
			s.mu.Unlock()
		}
	}
}

func (s *Server) respond(req *jsonrpc.Request) {
	switch req.Method {
	case "initialize":
		s.mu.Lock()
		s.initCalls++
		silent, initErr := s.SilentInit, s.InitError
		s.mu.Unlock()
		if silent {
			return
		}
		if initErr != nil {
			s.reply(req.ID, nil, initErr)
			return
		}
		s.reply(req.ID, map[string]any{
			"protocolVersion": domain.DefaultProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"serverInfo":      map[string]any{"name": "fake", "version": "1.0.0"},
		}, nil)
	case "tools/list":
		var params struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(req.Params, &params)
		s.reply(req.ID, s.toolsPage(params.Cursor), nil)
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		s.mu.Lock()
		handler := s.handlers[params.Name]
		s.mu.Unlock()
		if handler == nil {
			s.reply(req.ID, nil, &jsonrpc.Error{Code: -32602, Message: "unknown tool " + params.Name})
			return
		}
		result, rpcErr := handler(params.Arguments)
		if result == nil && rpcErr == nil {
			return
		}
		s.reply(req.ID, result, rpcErr)
	case "ping":
		s.reply(req.ID, map[string]any{}, nil)
	default:
		s.reply(req.ID, nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found"})
	}
}

func (s *Server) toolsPage(cursor string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PageSize <= 0 || s.PageSize >= len(s.tools) {
		return map[string]any{"tools": s.tools}
	}
	start := 0
	if cursor != "" {
		_ = json.Unmarshal([]byte(cursor), &start)
	}
	end := start + s.PageSize
	if end > len(s.tools) {
		end = len(s.tools)
	}
	page := map[string]any{"tools": s.tools[start:end]}
	if end < len(s.tools) {
		next, _ := json.Marshal(end)
		page["nextCursor"] = string(next)
	}
	return page
}

func (s *Server) SetTools(tools ...map[string]any) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

func (s *Server) reply(id jsonrpc.ID, result any, rpcErr *jsonrpc.Error) {
	resp := &jsonrpc.Response{ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, _ := json.Marshal(result)
		resp.Result = raw
	}
	s.Send(resp)
}

func (s *Server) Send(msg jsonrpc.Message) {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer != nil {
		_ = writer.Write(msg)
	}
}

func (s *Server) SendRaw(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw != nil {
		_, _ = io.WriteString(s.raw, line+"\n")
	}
}

func (s *Server) Responses() []jsonrpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jsonrpc.Message, len(s.clientMessages))
	copy(out, s.clientMessages)
	return out
}

func (s *Server) Counts() (initCalls, initialized int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls, s.initialized
}

func TextResult(text string) any {
	return map[string]any{"content": []any{map[string]any{"type": "text", "text": text}}}
}

type Process struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	code    atomic.Int64
}

func newProcess() *Process {
	p := &Process{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.code.Store(-1)
	return p
}

// Exit simulates the process dying with code.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		p.code.Store(int64(code))
		close(p.done)
		_ = p.stdoutW.Close()
		_ = p.stdinR.Close()
	})
}

// CloseStdout ends the output stream while the process keeps running.
func (p *Process) CloseStdout() {
	_ = p.stdoutW.Close()
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }

func (p *Process) Stdout() io.ReadCloser { return p.stdoutR }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) ExitCode() int { return int(p.code.Load()) }

func (p *Process) Pid() int { return 4242 }

func (p *Process) Terminate(_ context.Context, _ time.Duration) error {
	p.Exit(0)
	return nil
}

// Launcher starts an in-memory process per launch. Servers selects a
// server by provider name; Server is the fallback.
type Launcher struct {
	Server    *Server
	Servers   map[string]*Server
	LaunchErr error

	mu    sync.Mutex
	procs []*Process
}

func (l *Launcher) Launch(_ context.Context, spec domain.ProviderSpec) (domain.Process, error) {
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	server := l.Server
	if s, ok := l.Servers[spec.Name]; ok {
		server = s
	}
	if server == nil {
		return nil, fmt.Errorf("%w: no server for %q", ErrLaunch, spec.Name)
	}
	proc := newProcess()
	l.mu.Lock()
	l.procs = append(l.procs, proc)
	l.mu.Unlock()
	go server.serve(proc.stdinR, proc.stdoutW)
	return proc, nil
}

func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

var ErrLaunch = errors.New("fake launch refused")
