// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// wsWriteTimeout bounds one frame write so a wedged worker cannot stall
// the sender.
const wsWriteTimeout = 10 * time.Second

// upgrader performs the websocket handshake for worker connections.
// Workers authenticate at the protocol level, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the orchestrator's framed
// transport.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, raw, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			return raw, nil
		}
		// Control frames are handled by the library.
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// NodeStreamRequest upgrades a worker connection and hands it to the
// orchestrator. The session's read loop runs until the socket closes.
func (s *HTTPServer) NodeStreamRequest(resp http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(resp, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	s.logger.Debug("worker connected", "remote", req.RemoteAddr)

	session := s.agent.server.NewSession(&wsConn{conn: conn})
	go session.Run()
}

// NodesRequest lists the live fleet.
func (s *HTTPServer) NodesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.agent.server.Registry().List(), nil
}

// NodeSpecificRequest routes /v1/node/{session} and its administrative
// sub-resources.
func (s *HTTPServer) NodeSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	parts := parsePath(req, "/v1/node/")
	if len(parts) == 0 {
		return nil, CodedError(400, "missing session id")
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			return nil, CodedError(405, ErrInvalidMethod)
		}
		return s.agent.server.Registry().Snapshot(sessionID)
	}

	switch parts[1] {
	case "limits":
		return s.nodeUpdateLimits(req, sessionID)
	case "workspaces":
		return s.nodeUpdateWorkspaces(req, sessionID)
	default:
		return nil, CodedError(404, "unknown node resource")
	}
}

func (s *HTTPServer) nodeUpdateLimits(req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != http.MethodPut {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	var limits structs.ResourceLimits
	if err := decodeBody(req, &limits); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if err := s.agent.server.Registry().UpdateLimits(sessionID, &limits); err != nil {
		return nil, err
	}
	return s.agent.server.Registry().Snapshot(sessionID)
}

func (s *HTTPServer) nodeUpdateWorkspaces(req *http.Request, sessionID string) (interface{}, error) {
	if req.Method != http.MethodPut {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	var body struct {
		WorkspaceIDs []string `json:"workspace_ids"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if err := s.agent.server.Registry().UpdateWorkspaces(sessionID, body.WorkspaceIDs); err != nil {
		return nil, err
	}
	return s.agent.server.Registry().Snapshot(sessionID)
}

// WorkspaceSpecificRequest handles POST /v1/workspace/{id}/nodes: adding
// a worker to a workspace by consuming its share key.
func (s *HTTPServer) WorkspaceSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	parts := parsePath(req, "/v1/workspace/")
	if len(parts) != 2 || parts[1] != "nodes" {
		return nil, CodedError(404, "unknown workspace resource")
	}
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	workspaceID := parts[0]

	var body struct {
		ShareKey string `json:"share_key"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if body.ShareKey == "" {
		return nil, CodedError(400, "missing share key")
	}

	sessionID, err := s.agent.server.Registry().ConsumeShareKey(body.ShareKey, workspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"session_id":   sessionID,
		"workspace_id": workspaceID,
	}, nil
}
