package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbocsi/devlink/notify"
	"github.com/mbocsi/devlink/peripheral"
)

// ButtonAction runs once per accepted button edge.
type ButtonAction func(ctx context.Context, edge peripheral.Edge) error

// MessageAction sends text to the server as a Message command.
func (c *Client) MessageAction(text string) ButtonAction {
	return func(ctx context.Context, edge peripheral.Edge) error {
		resp, err := c.SendMessage(ctx, text)
		if err != nil {
			return err
		}
		if !resp.Ack {
			return fmt.Errorf("message rejected by server")
		}
		return nil
	}
}

// NotifyAction hands the press to a notifier directly, bypassing the server.
func NotifyAction(n notify.Notifier, deviceID, subject, body string) ButtonAction {
	return func(ctx context.Context, edge peripheral.Edge) error {
		return n.Notify(ctx, notify.Notification{
			DeviceID: deviceID,
			Subject:  subject,
			Body:     body,
			At:       edge.At,
		})
	}
}

// HandleButton runs action for every edge until edges is closed or ctx is
// done. A failed action is logged and does not stop the loop.
func (c *Client) HandleButton(ctx context.Context, edges <-chan peripheral.Edge, action ButtonAction) {
	for {
		select {
		case <-ctx.Done():
			return
		case edge, ok := <-edges:
			if !ok {
				return
			}
			slog.Info("Button pressed", "name", c.Name, "at", edge.At)
			if err := action(ctx, edge); err != nil {
				slog.Warn("Button action failed", "name", c.Name, "error", err)
			}
		}
	}
}
