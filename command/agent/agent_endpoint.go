// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"
	"time"

	"github.com/Huck-dev/modchain/version"
)

// HealthRequest reports liveness, for load balancers and supervisors.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return map[string]interface{}{
		"ok":      true,
		"version": version.GetVersion().VersionNumber(),
		"uptime":  time.Since(s.agent.startTime).String(),
	}, nil
}

// StatsRequest reports coarse scheduling counters.
func (s *HTTPServer) StatsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.agent.server.Stats(), nil
}

// MetricsRequest renders the in-memory telemetry sink.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.agent.inmemSink.DisplayMetrics(resp, req)
}
