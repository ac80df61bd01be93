package server

import (
	"context"
	"testing"

	"github.com/mbocsi/devlink/transport"
)

func TestNewTCPTransport(t *testing.T) {
	addr := "localhost:0"
	tcp := NewTCPTransport(addr, "")

	if tcp.Addr != addr {
		t.Errorf("Expected addr %s, got %s", addr, tcp.Addr)
	}
	if tcp.Framing != transport.FramingMessage {
		t.Errorf("Expected default message framing, got %s", tcp.Framing)
	}
}

func TestTCPTransport_SetMethods(t *testing.T) {
	tcp := NewTCPTransport("localhost:0", transport.FramingLine)

	tcp.SetName("test-transport")
	tcp.SetDescription("Test transport")

	meta := tcp.Meta()
	if meta.Name != "test-transport" {
		t.Errorf("Expected name 'test-transport', got %s", meta.Name)
	}
	if meta.Description != "Test transport" {
		t.Errorf("Expected description 'Test transport', got %s", meta.Description)
	}
	if meta.MaxClients != 1 {
		t.Errorf("Expected maxClients 1, got %d", meta.MaxClients)
	}
	if meta.Connected {
		t.Error("Expected transport not to be connected before Start")
	}
}

func TestTCPTransport_StartWithoutHandler(t *testing.T) {
	tcp := NewTCPTransport("localhost:0", "")

	if err := tcp.Start(context.Background()); err == nil {
		t.Error("Expected error when starting without a handler")
	}
}

func TestTCPTransport_MessageFraming(t *testing.T) {
	srv := NewServer(ServerOptions{})
	tcp := NewTCPTransport("127.0.0.1:0", transport.FramingMessage)
	srv.RegisterTransport(tcp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	<-tcp.Ready()

	conn, err := transport.DialTCP(context.Background(), tcp.ListenAddr(), transport.FramingMessage)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	steps := []struct{ line, want string }{
		{"UABC:EGC:K:S:Keep alive\x00", "NACK"},
		{"UABC:EGC:L:S:Log in\x00", "ACK"},
		{"UABC:EGC:W:A:5", "NACK"},
		{"UABC:EGC:K:S:Keep alive", "ACK"},
	}
	for _, step := range steps {
		if err := conn.Send([]byte(step.line)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		reply, err := conn.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if string(reply) != step.want {
			t.Errorf("Expected %q for %q, got %q", step.want, step.line, reply)
		}
	}

	if meta := tcp.Meta(); meta.Clients != 1 || !meta.Connected {
		t.Errorf("Expected one served client on a bound transport, got %+v", meta)
	}
}
