// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"

	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// DeploymentsRequest lists a client's deployments (GET) or submits a
// flow for execution (POST).
func (s *HTTPServer) DeploymentsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		clientID := req.URL.Query().Get("client_id")
		if clientID == "" {
			return nil, CodedError(400, "missing client_id query parameter")
		}
		return s.agent.server.Deployments().List(clientID)
	case http.MethodPost:
		var sub structs.FlowSubmission
		if err := decodeBody(req, &sub); err != nil {
			return nil, CodedError(400, err.Error())
		}
		return s.agent.server.Deployments().SubmitFlow(&sub)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

// DeploymentSpecificRequest reads (GET) or cancels (DELETE) one
// deployment.
func (s *HTTPServer) DeploymentSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	parts := parsePath(req, "/v1/deployment/")
	if len(parts) != 1 {
		return nil, CodedError(400, "missing deployment id")
	}
	deploymentID := parts[0]

	switch req.Method {
	case http.MethodGet:
		return s.agent.server.Deployments().Get(deploymentID)
	case http.MethodDelete:
		if err := s.agent.server.Deployments().Cancel(deploymentID); err != nil {
			return nil, err
		}
		return s.agent.server.Deployments().Get(deploymentID)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}
