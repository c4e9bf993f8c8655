package workspace

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/logger"
)

// Controller is the workspace-control surface the tool server exposes to
// model turns. The daemon implements it against the butler pipe RPC and
// the multiplexer CLI, bound to the active session.
type Controller interface {
	State(ctx context.Context) (*Snapshot, error)
	RenameTab(ctx context.Context, position int, name string) error
	RenamePane(ctx context.Context, paneID uint32, name string) error
	HidePane(ctx context.Context, paneID uint32) error
	ShowPane(ctx context.Context, paneID uint32, floatIfHidden, focus bool) error
	OpenOverlay(ctx context.Context, text string) error
}

// Server exposes workspace-control tools over MCP streamable HTTP on
// loopback. Requests must carry the bearer token minted at startup.
type Server struct {
	controller Controller
	token      string
	logger     *logger.Logger

	mu         sync.Mutex
	httpServer *http.Server
	streamable *server.StreamableHTTPServer
	addr       string
	running    bool
}

// NewServer creates a tool server over the given controller.
func NewServer(controller Controller, log *logger.Logger) *Server {
	return &Server{
		controller: controller,
		token:      uuid.NewString(),
		logger:     log.WithFields(zap.String("component", "workspace-tools")),
	}
}

// Token returns the bearer token turns must present.
func (s *Server) Token() string { return s.token }

// URL returns the MCP endpoint URL. Valid after Start.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://%s/mcp", s.addr)
}

// Start binds a loopback listener and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("workspace tool server already running")
	}

	mcpServer := server.NewMCPServer(
		"jelly-j-workspace",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.streamable = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.requireToken(s.streamable))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding workspace tool server: %w", err)
	}
	s.addr = listener.Addr().String()
	s.httpServer = &http.Server{Handler: mux}
	s.running = true

	go func() {
		s.logger.Info("workspace tool server listening", zap.String("addr", s.addr))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("workspace tool server error", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	streamable := s.streamable
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down workspace tool server: %w", err)
	}
	if streamable != nil {
		if err := streamable.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shut down streamable transport", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	want := "Bearer " + s.token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(
		mcp.NewTool("workspace_state",
			mcp.WithDescription("Get the current workspace layout: tabs, panes, and which are focused or floating."),
		),
		s.stateHandler,
	)

	m.AddTool(
		mcp.NewTool("rename_tab",
			mcp.WithDescription("Rename a tab by its position. Does not change focus."),
			mcp.WithNumber("position",
				mcp.Required(),
				mcp.Description("Zero-based tab position from workspace_state"),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("The new tab name"),
			),
		),
		s.renameTabHandler,
	)

	m.AddTool(
		mcp.NewTool("rename_pane",
			mcp.WithDescription("Rename a pane by its id."),
			mcp.WithNumber("pane_id",
				mcp.Required(),
				mcp.Description("Pane id from workspace_state"),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("The new pane title"),
			),
		),
		s.renamePaneHandler,
	)

	m.AddTool(
		mcp.NewTool("hide_pane",
			mcp.WithDescription("Hide (suppress) a pane by its id."),
			mcp.WithNumber("pane_id",
				mcp.Required(),
				mcp.Description("Pane id from workspace_state"),
			),
		),
		s.hidePaneHandler,
	)

	m.AddTool(
		mcp.NewTool("show_pane",
			mcp.WithDescription("Show a previously hidden pane by its id."),
			mcp.WithNumber("pane_id",
				mcp.Required(),
				mcp.Description("Pane id from workspace_state"),
			),
			mcp.WithBoolean("float_if_hidden",
				mcp.Description("Re-open the pane floating when it was suppressed"),
			),
			mcp.WithBoolean("focus",
				mcp.Description("Move focus to the pane after showing it"),
			),
		),
		s.showPaneHandler,
	)

	m.AddTool(
		mcp.NewTool("open_overlay",
			mcp.WithDescription("Show a short message in a small auto-closing floating pane."),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message to display"),
			),
		),
		s.openOverlayHandler,
	)
}

func (s *Server) stateHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.controller.State(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read workspace state: %v", err)), nil
	}
	formatted, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode workspace state: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

func (s *Server) renameTabHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	position, err := req.RequireInt("position")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.controller.RenameTab(ctx, position, name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rename_tab failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("renamed tab %d to %q", position, name)), nil
}

func (s *Server) renamePaneHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paneID, err := req.RequireInt("pane_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.controller.RenamePane(ctx, uint32(paneID), name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rename_pane failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("renamed pane %d to %q", paneID, name)), nil
}

func (s *Server) hidePaneHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paneID, err := req.RequireInt("pane_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.controller.HidePane(ctx, uint32(paneID)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("hide_pane failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("hid pane %d", paneID)), nil
}

func (s *Server) showPaneHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paneID, err := req.RequireInt("pane_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	floatIfHidden := req.GetBool("float_if_hidden", false)
	focus := req.GetBool("focus", false)
	if err := s.controller.ShowPane(ctx, uint32(paneID), floatIfHidden, focus); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("show_pane failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("showed pane %d", paneID)), nil
}

func (s *Server) openOverlayHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.controller.OpenOverlay(ctx, text); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("open_overlay failed: %v", err)), nil
	}
	return mcp.NewToolResultText("overlay opened"), nil
}
