package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/server"
)

type CommandRequest struct {
	Line      string `json:"line,omitempty"`
	Operation string `json:"operation,omitempty"`
	Element   string `json:"element,omitempty"`
	Value     string `json:"value,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

type CommandResponse struct {
	Reply string `json:"reply"`
	Ack   bool   `json:"ack"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(wr http.ResponseWriter, status int, msg string) {
	writeJSON(wr, status, errorResponse{Error: msg})
}

func (a *API) HandleHealth(wr http.ResponseWriter, r *http.Request) {
	_, connected := a.controller.Session()
	writeJSON(wr, http.StatusOK, map[string]any{
		"status":           "ok",
		"device_connected": connected,
	})
}

func (a *API) HandleSession(wr http.ResponseWriter, r *http.Request) {
	info, ok := a.controller.Session()
	if !ok {
		writeError(wr, http.StatusNotFound, server.ErrNoDevice.Error())
		return
	}
	writeJSON(wr, http.StatusOK, info)
}

func (a *API) HandleSessions(wr http.ResponseWriter, r *http.Request) {
	sessions, err := a.controller.Sessions(r.Context())
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, sessions)
}

func (a *API) HandleTransports(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, a.controller.Transports())
}

// HandleCommand relays either a raw protocol line or a structured command
// to the linked device.
func (a *API) HandleCommand(wr http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(wr, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	if a.relayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.relayTimeout)
		defer cancel()
	}

	var resp proto.Response
	if req.Line != "" {
		if len(req.Line) > proto.MaxLineLength {
			writeError(wr, http.StatusBadRequest, proto.ErrLineTooLong.Error())
			return
		}
		reply, err := a.controller.Relay(ctx, []byte(req.Line))
		if err != nil {
			a.handleError(wr, err)
			return
		}
		resp, err = proto.ParseResponse(reply)
		if err != nil {
			writeError(wr, http.StatusBadGateway, "device sent an invalid reply")
			return
		}
	} else {
		cmd, err := req.command()
		if err != nil {
			writeError(wr, http.StatusBadRequest, err.Error())
			return
		}
		resp, err = a.controller.SendCommand(ctx, cmd)
		if err != nil {
			a.handleError(wr, err)
			return
		}
	}

	writeJSON(wr, http.StatusOK, CommandResponse{Reply: resp.String(), Ack: resp.Ack})
}

func (req CommandRequest) command() (proto.Command, error) {
	if req.Operation == "" || req.Element == "" {
		return proto.Command{}, errors.New("either line or operation and element are required")
	}
	op, err := proto.ParseOperationName(req.Operation)
	if err != nil {
		return proto.Command{}, err
	}
	el, err := proto.ParseElementName(req.Element)
	if err != nil {
		return proto.Command{}, err
	}
	if op == proto.OpWrite && req.Value == "" {
		return proto.Command{}, errors.New("write requires a value")
	}
	return proto.Command{Operation: op, Element: el, Value: req.Value, Comment: req.Comment}, nil
}

func (a *API) HandleExchanges(wr http.ResponseWriter, r *http.Request) {
	if a.exchanges == nil {
		writeError(wr, http.StatusNotFound, "exchange store not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(wr, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := a.exchanges.Recent(r.Context(), limit)
	if err != nil {
		a.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, records)
}

// handleError maps relay and storage errors to HTTP status codes
func (a *API) handleError(wr http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, server.ErrNoDevice):
		status = http.StatusNotFound
	case errors.Is(err, proto.ErrLineTooLong), errors.Is(err, proto.ErrFieldCountMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, server.ErrLinkClosed):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error("Web API error", "error", err)
	}
	writeError(wr, status, err.Error())
}
