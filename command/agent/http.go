// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/handlers"
	log "github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/Huck-dev/modchain/orchestrator/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"
)

// allowCORS sets permissive CORS headers for the API surface; flow
// editors run in browsers on other origins.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET", "PUT", "POST", "DELETE"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps an Agent and exposes it over an HTTP interface
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     log.Logger
	Addr       string
}

// NewHTTPServer starts a new HTTP server over the agent
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.BindAddr, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %v", err)
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	// Handle requests with gzip compression
	gzip, err := gziphandler.GzipHandlerWithOpts(gziphandler.MinSize(0))
	if err != nil {
		return nil, err
	}

	handler := gzip(allowCORS.Handler(mux))
	if config.EnableAccessLog {
		handler = handlers.CombinedLoggingHandler(
			srv.logger.StandardWriter(&log.StandardLoggerOptions{ForceLevel: log.Debug}),
			handler)
	}

	go func() {
		defer close(srv.listenerCh)
		_ = http.Serve(ln, handler)
	}()
	return srv, nil
}

// Shutdown closes the listener and blocks until the serve loop returns.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		_ = s.listener.Close()
		<-s.listenerCh
	}
}

// registerHandlers attaches our handlers to the mux
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	// Worker stream. The protocol handshake happens over the socket, not
	// HTTP, so the endpoint is not wrapped.
	s.mux.HandleFunc("/ws/node", s.NodeStreamRequest)

	s.mux.HandleFunc("/v1/nodes", s.wrap(s.NodesRequest))
	s.mux.HandleFunc("/v1/node/", s.wrap(s.NodeSpecificRequest))
	s.mux.HandleFunc("/v1/workspace/", s.wrap(s.WorkspaceSpecificRequest))

	s.mux.HandleFunc("/v1/jobs", s.wrap(s.JobsRequest))
	s.mux.HandleFunc("/v1/job/", s.wrap(s.JobSpecificRequest))
	s.mux.HandleFunc("/v1/modules/requirements", s.wrap(s.ModuleRequirementsRequest))

	s.mux.HandleFunc("/v1/deployments", s.wrap(s.DeploymentsRequest))
	s.mux.HandleFunc("/v1/deployment/", s.wrap(s.DeploymentSpecificRequest))

	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))
	s.mux.HandleFunc("/v1/agent/stats", s.wrap(s.StatsRequest))
	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// errCode maps orchestrator sentinel errors onto HTTP status codes.
func errCode(err error) int {
	switch {
	case errors.Is(err, structs.ErrUnknownJob),
		errors.Is(err, structs.ErrUnknownSession),
		errors.Is(err, structs.ErrUnknownDeployment),
		errors.Is(err, structs.ErrShareKeyNotFound):
		return 404
	case errors.Is(err, structs.ErrJobTerminal),
		errors.Is(err, structs.ErrDeploymentTerminal),
		errors.Is(err, structs.ErrCycleDetected):
		return 400
	case errors.Is(err, structs.ErrInsufficientFunds):
		return 402
	case errors.Is(err, structs.ErrShuttingDown):
		return 503
	default:
		return 500
	}
}

// wrap is used to wrap handler functions to make them more convenient
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method,
				"path", reqURL, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code := errCode(err)
			if coded, ok := err.(HTTPCodedError); ok {
				code = coded.Code()
			}
			s.logger.Error("request failed", "method", req.Method,
				"path", reqURL, "error", err, "code", code)
			resp.WriteHeader(code)
			_, _ = resp.Write([]byte(err.Error()))
			return
		}
		if obj == nil {
			return
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		if prettyPrint(req) {
			enc.SetIndent("", "    ")
		}
		if err := enc.Encode(obj); err != nil {
			resp.WriteHeader(500)
			_, _ = resp.Write([]byte(err.Error()))
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		_, _ = resp.Write(buf.Bytes())
	}
}

func prettyPrint(req *http.Request) bool {
	v, ok := req.URL.Query()["pretty"]
	return ok && (len(v) == 0 || len(v[0]) == 0 || v[0] != "0")
}

// decodeBody is used to decode a JSON request body
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(&out)
}

// parsePath splits the request path after a prefix into its segments.
func parsePath(req *http.Request, prefix string) []string {
	trimmed := strings.TrimPrefix(req.URL.Path, prefix)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
