// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"

	"github.com/Huck-dev/modchain/orchestrator/structs"
)

// JobsRequest lists jobs (GET) or submits a standalone job (POST).
func (s *HTTPServer) JobsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.jobList(req)
	case http.MethodPost:
		return s.jobSubmit(req)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) jobList(req *http.Request) (interface{}, error) {
	query := req.URL.Query()
	filter := &structs.JobListFilter{
		ClientID:     query.Get("client_id"),
		DeploymentID: query.Get("deployment_id"),
		Status:       structs.JobStatus(query.Get("status")),
	}
	return s.agent.server.Queue().List(filter)
}

func (s *HTTPServer) jobSubmit(req *http.Request) (interface{}, error) {
	var submit structs.JobSubmitRequest
	if err := decodeBody(req, &submit); err != nil {
		return nil, CodedError(400, err.Error())
	}
	job, err := s.agent.server.Queue().Submit(req.Context(), &submit)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// JobSpecificRequest reads (GET) or cancels (DELETE) one job.
func (s *HTTPServer) JobSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	parts := parsePath(req, "/v1/job/")
	if len(parts) != 1 {
		return nil, CodedError(400, "missing job id")
	}
	jobID := parts[0]

	switch req.Method {
	case http.MethodGet:
		return s.agent.server.Queue().Get(jobID)
	case http.MethodDelete:
		if _, err := s.agent.server.Queue().Get(jobID); err != nil {
			return nil, err
		}
		if !s.agent.server.Queue().Cancel(jobID) {
			return nil, structs.ErrJobTerminal
		}
		return s.agent.server.Queue().Get(jobID)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

// ModuleRequirementsRequest exposes the module requirements table.
func (s *HTTPServer) ModuleRequirementsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.agent.server.Oracle().Table(), nil
}
