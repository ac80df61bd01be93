package server

import (
	"context"
	"testing"
	"time"

	"github.com/mbocsi/devlink/dispatch"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/session"
)

func TestNewMemoryRegistry(t *testing.T) {
	registry := NewMemoryRegistry()

	if registry == nil {
		t.Fatal("Expected registry to be created")
	}
	if registry.store == nil {
		t.Error("Expected store map to be initialized")
	}
}

func TestMemoryRegistry_RegisterTouchRemove(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()

	info := session.Info{ID: "sess-1", State: "connected"}
	registry.Register(ctx, info)

	stored, ok := registry.Get("sess-1")
	if !ok {
		t.Fatal("Expected session to be stored")
	}
	if stored.State != "connected" {
		t.Errorf("Expected state connected, got %s", stored.State)
	}

	info.State = "logged_in"
	info.LoggedIn = true
	registry.Touch(ctx, info)
	stored, _ = registry.Get("sess-1")
	if !stored.LoggedIn {
		t.Error("Expected touch to update the record")
	}

	registry.Remove(ctx, "sess-1")
	if _, ok := registry.Get("sess-1"); ok {
		t.Error("Expected session to be removed")
	}
}

func TestMemoryRegistry_ListOrdered(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	registry.Register(ctx, session.Info{ID: "b", ConnectedAt: base.Add(time.Minute)})
	registry.Register(ctx, session.Info{ID: "a", ConnectedAt: base})

	sessions, err := registry.List(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "a" || sessions[1].ID != "b" {
		t.Errorf("Expected sessions ordered by connect time, got %s, %s", sessions[0].ID, sessions[1].ID)
	}
}

func TestRedisRegistry_Keys(t *testing.T) {
	registry := NewRedisRegistry(nil, "", time.Minute)

	if key := registry.sessionKey("abc"); key != "devlink:sess:abc" {
		t.Errorf("Expected devlink:sess:abc, got %s", key)
	}
	if key := registry.shadowKey(""); key != "devlink:shadow:default" {
		t.Errorf("Expected devlink:shadow:default, got %s", key)
	}
	if key := registry.shadowKey("3"); key != "devlink:shadow:3" {
		t.Errorf("Expected devlink:shadow:3, got %s", key)
	}
}

func TestShadowFields(t *testing.T) {
	at := time.Unix(1700000000, 0)
	write := dispatch.Exchange{
		Command:  proto.Command{Operation: proto.OpWrite, Element: proto.ElemPwm, Value: "42"},
		Response: proto.AckValue(41),
		At:       at,
	}

	fields := shadowFields(write)
	if fields["pwm"] != "41" {
		t.Errorf("Expected pwm 41, got %v", fields["pwm"])
	}
	if fields["ts"] != at.Unix() {
		t.Errorf("Expected ts %d, got %v", at.Unix(), fields["ts"])
	}

	rejected := write
	rejected.Response = proto.Nack()
	if shadowFields(rejected) != nil {
		t.Error("Expected no shadow update for a NACK")
	}

	login := dispatch.Exchange{Command: proto.Command{Operation: proto.OpLogin, Element: proto.ElemServer}, Response: proto.Ack()}
	if shadowFields(login) != nil {
		t.Error("Expected no shadow update for login")
	}
}
