// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/Huck-dev/modchain/ci"
	"github.com/Huck-dev/modchain/helper/testlog"
	"github.com/Huck-dev/modchain/orchestrator/mock"
	"github.com/Huck-dev/modchain/orchestrator/structs"
	"github.com/Huck-dev/modchain/testutil"
)

// pipeConn is an in-memory MessageConn for driving a session from a
// test.
type pipeConn struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-p.in:
		return raw, nil
	case <-p.closed:
		return nil, errors.New("connection closed")
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return errors.New("connection closed")
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// sendFrame encodes a message onto the session's inbound stream.
func (p *pipeConn) sendFrame(t *testing.T, msg interface{}) {
	t.Helper()
	raw, err := structs.EncodeMessage(msg)
	must.NoError(t, err)
	p.in <- raw
}

// nextFrame waits for one outbound frame and returns its type tag and
// raw bytes.
func (p *pipeConn) nextFrame(t *testing.T) (string, []byte) {
	t.Helper()
	select {
	case raw := <-p.out:
		var env struct {
			Type string `json:"type"`
		}
		must.NoError(t, json.Unmarshal(raw, &env))
		return env.Type, raw
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return "", nil
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(testlog.HCLogger(t), DefaultConfig(), nil)
	must.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func TestWorkerSession_registerHandshake(t *testing.T) {
	ci.Parallel(t)
	s := testServer(t)

	conn := newPipeConn()
	sess := s.NewSession(conn)
	go sess.Run()

	conn.sendFrame(t, mock.RegisterMessage(nil))

	typ, raw := conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeRegistered, typ)

	var reg structs.RegisteredMessage
	must.NoError(t, json.Unmarshal(raw, &reg))
	must.NotEq(t, "", reg.NodeID)
	must.NotEq(t, "", reg.ShareKey)
	must.Eq(t, 1, s.Registry().NumSessions())
}

func TestWorkerSession_heartbeatBeforeRegister(t *testing.T) {
	ci.Parallel(t)
	s := testServer(t)

	conn := newPipeConn()
	sess := s.NewSession(conn)
	go sess.Run()

	conn.sendFrame(t, &structs.HeartbeatMessage{Type: structs.MsgTypeHeartbeat})

	typ, _ := conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeError, typ)
}

func TestWorkerSession_doubleRegisterRejected(t *testing.T) {
	ci.Parallel(t)
	s := testServer(t)

	conn := newPipeConn()
	sess := s.NewSession(conn)
	go sess.Run()

	conn.sendFrame(t, mock.RegisterMessage(nil))
	typ, _ := conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeRegistered, typ)

	conn.sendFrame(t, mock.RegisterMessage(nil))
	typ, _ = conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeError, typ)
	must.Eq(t, 1, s.Registry().NumSessions())
}

func TestWorkerSession_heartbeatForGoneSession(t *testing.T) {
	ci.Parallel(t)
	s := testServer(t)

	conn := newPipeConn()
	sess := s.NewSession(conn)
	go sess.Run()

	conn.sendFrame(t, mock.RegisterMessage(nil))
	typ, _ := conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeRegistered, typ)

	// The registry forgets the session behind the transport's back.
	s.Registry().Deregister(sess.SessionID(), "test")

	conn.sendFrame(t, &structs.HeartbeatMessage{Type: structs.MsgTypeHeartbeat})
	typ, _ = conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeReRegister, typ)
}

func TestWorkerSession_malformedFrame(t *testing.T) {
	ci.Parallel(t)
	s := testServer(t)

	conn := newPipeConn()
	sess := s.NewSession(conn)
	go sess.Run()

	conn.in <- []byte("not json")
	typ, _ := conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeError, typ)

	// The session survives and still accepts a register.
	conn.sendFrame(t, mock.RegisterMessage(nil))
	typ, _ = conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeRegistered, typ)
}

func TestWorkerSession_jobRoundTrip(t *testing.T) {
	ci.Parallel(t)
	s := testServer(t)

	conn := newPipeConn()
	sess := s.NewSession(conn)
	go sess.Run()

	conn.sendFrame(t, mock.RegisterMessage(nil))
	typ, _ := conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeRegistered, typ)

	// Submission wakes the dispatcher, which assigns to our worker.
	job, err := s.Queue().Submit(context.Background(), mock.JobSubmitRequest())
	must.NoError(t, err)

	typ, raw := conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeJobAssignment, typ)

	var assign structs.JobAssignmentMessage
	must.NoError(t, json.Unmarshal(raw, &assign))
	must.Eq(t, job.ID, assign.Job.ID)
	must.Eq(t, structs.JobTypeModuleExecution, assign.Job.Type)

	// Progress then terminal result.
	conn.sendFrame(t, &structs.JobProgressMessage{
		Type:  structs.MsgTypeJobProgress,
		JobID: job.ID,
		State: "running",
	})
	conn.sendFrame(t, &structs.JobResultMessage{
		Type:    structs.MsgTypeJobResult,
		JobID:   job.ID,
		Status:  structs.ResultStatusCompleted,
		Outputs: map[string]interface{}{"ok": true},
	})

	testutil.WaitForResult(func() (bool, error) {
		got, err := s.Queue().Get(job.ID)
		if err != nil {
			return false, err
		}
		return got.Status == structs.JobStatusCompleted, errors.New(string(got.Status))
	}, func(err error) {
		t.Fatalf("job never completed: %v", err)
	})
}

func TestWorkerSession_transportCloseRequeuesJobs(t *testing.T) {
	ci.Parallel(t)
	s := testServer(t)

	conn := newPipeConn()
	sess := s.NewSession(conn)
	go sess.Run()

	conn.sendFrame(t, mock.RegisterMessage(nil))
	typ, _ := conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeRegistered, typ)

	job, err := s.Queue().Submit(context.Background(), mock.JobSubmitRequest())
	must.NoError(t, err)

	typ, _ = conn.nextFrame(t)
	must.Eq(t, structs.MsgTypeJobAssignment, typ)

	// Drop the transport; the session deregisters and the job requeues.
	_ = conn.Close()

	testutil.WaitForResult(func() (bool, error) {
		if n := s.Registry().NumSessions(); n != 0 {
			return false, errors.New("session still tracked")
		}
		got, err := s.Queue().Get(job.ID)
		if err != nil {
			return false, err
		}
		return got.Status == structs.JobStatusPending, errors.New(string(got.Status))
	}, func(err error) {
		t.Fatalf("job not requeued after transport close: %v", err)
	})
	must.Eq(t, 1, func() int { got, _ := s.Queue().Get(job.ID); return got.Attempts }())
}
