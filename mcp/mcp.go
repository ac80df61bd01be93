// Package mcp exposes the device link as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mbocsi/devlink/proto"
	devlink "github.com/mbocsi/devlink/server"
	"github.com/mbocsi/devlink/session"
)

// Controller is what the tools need from the device server.
type Controller interface {
	Session() (session.Info, bool)
	Transports() []devlink.TransportMetadata
	SendCommand(ctx context.Context, cmd proto.Command) (proto.Response, error)
}

type MCPServer struct {
	Server       *server.MCPServer
	controller   Controller
	relayTimeout time.Duration
}

func NewMCPServer(c Controller, relayTimeout time.Duration) *MCPServer {
	s := &MCPServer{
		Server:       server.NewMCPServer("devlink", "1.0.0", server.WithToolCapabilities(false)),
		controller:   c,
		relayTimeout: relayTimeout,
	}
	s.registerTools()
	return s
}

func (s *MCPServer) Run() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}

func (s *MCPServer) registerTools() {
	statusTool := mcp.NewTool("session_status",
		mcp.WithDescription("Show the linked device session and the transports accepting devices"),
	)
	s.Server.AddTool(statusTool, s.handleSessionStatus)

	sendCommandTool := mcp.NewTool("send_command",
		mcp.WithDescription("Send one protocol command to the linked device and return its ACK or NACK"),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("Operation to run"),
			mcp.Enum("write", "read", "login", "keepalive", "message"),
		),
		mcp.WithString("element",
			mcp.Required(),
			mcp.Description("Target element"),
			mcp.Enum("led", "adc", "pwm", "server", "sms"),
		),
		mcp.WithString("value",
			mcp.Description("Value for write: 0/1 for led, 0-100 for pwm"),
		),
		mcp.WithString("comment",
			mcp.Description("Free text comment"),
		),
	)
	s.Server.AddTool(sendCommandTool, s.handleSendCommand)
}

func (s *MCPServer) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := map[string]any{
		"transports": s.controller.Transports(),
	}
	if info, ok := s.controller.Session(); ok {
		result["session"] = info
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(resultBytes)), nil
}

func (s *MCPServer) handleSendCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opName, err := request.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required and must be a string"), nil
	}
	elName, err := request.RequireString("element")
	if err != nil {
		return mcp.NewToolResultError("element is required and must be a string"), nil
	}

	op, err := proto.ParseOperationName(opName)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	el, err := proto.ParseElementName(elName)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cmd := proto.Command{
		Operation: op,
		Element:   el,
		Value:     request.GetString("value", ""),
		Comment:   request.GetString("comment", ""),
	}
	if op == proto.OpWrite && cmd.Value == "" {
		return mcp.NewToolResultError("write requires a value"), nil
	}

	if s.relayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.relayTimeout)
		defer cancel()
	}
	resp, err := s.controller.SendCommand(ctx, cmd)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send command: %v", err)), nil
	}
	return mcp.NewToolResultText(resp.String()), nil
}
