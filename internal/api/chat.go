package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ricmars/visualization-sub001/internal/agent"
	"github.com/ricmars/visualization-sub001/internal/stream"
)

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Prompt string `json:"prompt"`
	// SystemContext is either free text or an object naming the case to
	// edit: {"caseId": 7, "caseName": "Onboarding", ...}.
	SystemContext json.RawMessage  `json:"systemContext,omitempty"`
	Selection     *agent.Selection `json:"selection,omitempty"`
}

type caseContext struct {
	CaseID   int64  `json:"caseId"`
	CaseName string `json:"caseName"`
}

// agentRequest turns the body into an agent request. A string context that
// itself holds a JSON object is read like an object.
func (r ChatRequest) agentRequest() (agent.Request, error) {
	req := agent.Request{Prompt: strings.TrimSpace(r.Prompt), Selection: r.Selection}
	raw := bytes.TrimSpace(r.SystemContext)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return req, nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return req, err
		}
		text = strings.TrimSpace(text)
		if !strings.HasPrefix(text, "{") {
			req.Context = text
			return req, nil
		}
		raw = []byte(text)
	}

	var cc caseContext
	if err := json.Unmarshal(raw, &cc); err != nil {
		return req, err
	}
	req.CaseID = cc.CaseID
	req.CaseName = cc.CaseName
	req.Context = string(raw)
	return req, nil
}

// Chat runs one agent command and streams its progress as server-sent
// events
// (POST /api/v1/chat)
func (s *Server) Chat(c echo.Context) error {
	var body ChatRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := body.agentRequest()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid systemContext: "+err.Error())
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	ctx := c.Request().Context()
	if req.CaseID != 0 {
		wc, err := s.svc.GetCase(ctx, req.CaseID)
		if err != nil {
			return err
		}
		if req.CaseName == "" {
			req.CaseName = wc.Name
		}
	}

	enc, err := stream.NewEncoder(c.Response())
	if err != nil {
		return err
	}
	if err := enc.Open(); err != nil {
		return err
	}

	kaCtx, stop := context.WithCancel(ctx)
	defer stop()
	go enc.KeepAlive(kaCtx, s.KeepAlive)

	out := s.agent.Run(ctx, req, enc)
	s.log.Info("chat finished", "case", req.CaseID, "completed", out.Completed,
		"iterations", out.Iterations, "session", out.SessionID)
	if !enc.Closed() {
		_ = enc.SendDone()
	}
	return nil
}
