// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/Huck-dev/modchain/ci"
	"github.com/Huck-dev/modchain/helper/testlog"
	"github.com/Huck-dev/modchain/helper/uuid"
	"github.com/Huck-dev/modchain/orchestrator/mock"
	"github.com/Huck-dev/modchain/orchestrator/state"
	"github.com/Huck-dev/modchain/orchestrator/structs"
	"github.com/Huck-dev/modchain/scheduler"
	"github.com/Huck-dev/modchain/testutil"
)

// fakeBackend is a job queue stand-in the test drives by hand.
type fakeBackend struct {
	mu   sync.Mutex
	jobs map[string]*structs.Job
	subs map[string][]chan *structs.Job

	// submitted records flow node ids in submission order.
	submitted []string

	cancelled []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs: make(map[string]*structs.Job),
		subs: make(map[string][]chan *structs.Job),
	}
}

func (f *fakeBackend) Submit(_ context.Context, req *structs.JobSubmitRequest) (*structs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job := &structs.Job{
		ID:           uuid.Generate(),
		ClientID:     req.ClientID,
		DeploymentID: req.DeploymentID,
		FlowNodeID:   req.FlowNodeID,
		Requirements: req.Requirements,
		Payload:      req.Payload,
		Status:       structs.JobStatusPending,
	}
	f.jobs[job.ID] = job
	f.submitted = append(f.submitted, req.FlowNodeID)
	return job.Copy(), nil
}

func (f *fakeBackend) Cancel(jobID string) bool {
	f.mu.Lock()
	job, ok := f.jobs[jobID]
	if !ok || job.Terminal() {
		f.mu.Unlock()
		return false
	}
	f.cancelled = append(f.cancelled, job.FlowNodeID)
	f.mu.Unlock()

	f.finish(jobID, structs.JobStatusCancelled, nil, "", 0)
	return true
}

func (f *fakeBackend) Subscribe(jobID string) <-chan *structs.Job {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan *structs.Job, 1)
	job, ok := f.jobs[jobID]
	if !ok {
		close(ch)
		return ch
	}
	if job.Terminal() {
		ch <- job.Copy()
		return ch
	}
	f.subs[jobID] = append(f.subs[jobID], ch)
	return ch
}

// finish drives a job to a terminal status and notifies subscribers.
func (f *fakeBackend) finish(jobID string, status structs.JobStatus,
	outputs map[string]interface{}, errMsg string, cost int64) {

	f.mu.Lock()
	job := f.jobs[jobID]
	job.Status = status
	job.Result = &structs.JobResult{
		Success:         status == structs.JobStatusCompleted,
		Outputs:         outputs,
		Error:           errMsg,
		ActualCostCents: cost,
	}
	if status == structs.JobStatusFailed {
		job.FailureReason = structs.FailureWorkerError
	}
	subs := f.subs[jobID]
	delete(f.subs, jobID)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- job.Copy()
	}
}

// jobForNode returns the id of the job submitted for a flow node, or "".
func (f *fakeBackend) jobForNode(nodeID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, job := range f.jobs {
		if job.FlowNodeID == nodeID {
			return id
		}
	}
	return ""
}

func (f *fakeBackend) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *fakeBackend) completeNode(t *testing.T, nodeID string, outputs map[string]interface{}, cost int64) {
	t.Helper()
	jobID := f.waitForNode(t, nodeID)
	f.finish(jobID, structs.JobStatusCompleted, outputs, "", cost)
}

func (f *fakeBackend) failNode(t *testing.T, nodeID string, errMsg string) {
	t.Helper()
	jobID := f.waitForNode(t, nodeID)
	f.finish(jobID, structs.JobStatusFailed, nil, errMsg, 0)
}

// waitForNode blocks until a job for the node was submitted.
func (f *fakeBackend) waitForNode(t *testing.T, nodeID string) string {
	t.Helper()
	var jobID string
	testutil.WaitForResult(func() (bool, error) {
		jobID = f.jobForNode(nodeID)
		return jobID != "", errors.New("node job not submitted: " + nodeID)
	}, func(err error) {
		t.Fatalf("%v", err)
	})
	return jobID
}

func testEngine(t *testing.T) (*Engine, *fakeBackend) {
	t.Helper()
	store, err := state.NewStateStore()
	must.NoError(t, err)

	backend := newFakeBackend()
	oracle := scheduler.NewStaticOracle(scheduler.DefaultModuleTable())
	engine := NewEngine(testlog.HCLogger(t), backend, oracle, store)
	t.Cleanup(engine.Shutdown)
	return engine, backend
}

// waitForStatus polls until the deployment reaches the wanted status.
func waitForStatus(t *testing.T, engine *Engine, id string, want structs.DeploymentStatus) *structs.Deployment {
	t.Helper()
	var got *structs.Deployment
	testutil.WaitForResult(func() (bool, error) {
		var err error
		got, err = engine.Get(id)
		if err != nil {
			return false, err
		}
		return got.Status == want, errors.New(string(got.Status))
	}, func(err error) {
		t.Fatalf("deployment never reached %s: %v", want, err)
	})
	return got
}

func TestEngine_linearFlow(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	d, err := engine.SubmitFlow(mock.LinearFlow())
	must.NoError(t, err)

	// Only the root is runnable at first.
	backend.waitForNode(t, "a")
	must.Eq(t, []string{"a"}, backend.submissions())

	backend.completeNode(t, "a", map[string]interface{}{"output": "from-a"}, 10)
	backend.completeNode(t, "b", map[string]interface{}{"output": "from-b"}, 20)
	backend.completeNode(t, "c", nil, 30)

	got := waitForStatus(t, engine, d.ID, structs.DeploymentStatusCompleted)
	must.Eq(t, []string{"a", "b", "c"}, backend.submissions())
	must.Eq(t, int64(60), got.TotalCostCents)
	for _, id := range []string{"a", "b", "c"} {
		must.Eq(t, structs.NodeRunCompleted, got.NodeStatus[id].Status)
	}

	// b received a's port value on its input port.
	bJob := backend.jobForNode("b")
	backend.mu.Lock()
	inputs := backend.jobs[bJob].Payload.ModuleExecution.Inputs
	backend.mu.Unlock()
	must.Eq(t, "from-a", inputs["input"])
}

func TestEngine_diamondFlow(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	d, err := engine.SubmitFlow(mock.DiamondFlow())
	must.NoError(t, err)

	backend.completeNode(t, "a", map[string]interface{}{"output": "seed"}, 0)

	// Fan-out: b and c run concurrently, d waits for both.
	backend.waitForNode(t, "b")
	backend.waitForNode(t, "c")
	must.Eq(t, "", backend.jobForNode("d"))

	backend.completeNode(t, "b", map[string]interface{}{"output": "left"}, 0)
	must.Eq(t, "", backend.jobForNode("d"))
	backend.completeNode(t, "c", map[string]interface{}{"output": "right"}, 0)

	backend.completeNode(t, "d", nil, 0)
	got := waitForStatus(t, engine, d.ID, structs.DeploymentStatusCompleted)
	must.Eq(t, structs.NodeRunCompleted, got.NodeStatus["d"].Status)
}

func TestEngine_failureCascade(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	d, err := engine.SubmitFlow(mock.DiamondFlow())
	must.NoError(t, err)

	backend.completeNode(t, "a", nil, 0)
	backend.waitForNode(t, "c")
	backend.failNode(t, "b", "module exploded")

	got := waitForStatus(t, engine, d.ID, structs.DeploymentStatusFailed)
	must.Eq(t, structs.NodeRunFailed, got.NodeStatus["b"].Status)
	must.StrContains(t, got.NodeStatus["b"].Error, "module exploded")

	// The untouched branch was cancelled, the downstream join skipped.
	must.Eq(t, structs.NodeRunFailed, got.NodeStatus["c"].Status)
	must.Eq(t, structs.NodeRunSkipped, got.NodeStatus["d"].Status)
	must.StrContains(t, got.Error, "node b failed")

	backend.mu.Lock()
	cancelled := append([]string(nil), backend.cancelled...)
	backend.mu.Unlock()
	must.SliceContains(t, cancelled, "c")
}

func TestEngine_failureSkipsDownstreamOfFailedNode(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	// Two independent chains: a -> b and p -> q. Failing a must record b
	// as skipped for the upstream failure; q is skipped only because the
	// deployment went terminal.
	sub := &structs.FlowSubmission{
		FlowID:   uuid.Generate(),
		Name:     "two-chains",
		ClientID: "client-" + uuid.Short(),
		Nodes: []*structs.FlowNode{
			{ID: "a", ModuleID: "shell-exec"},
			{ID: "b", ModuleID: "shell-exec"},
			{ID: "p", ModuleID: "shell-exec"},
			{ID: "q", ModuleID: "shell-exec"},
		},
		Connections: []*structs.FlowConnection{
			{SourceNode: "a", TargetNode: "b"},
			{SourceNode: "p", TargetNode: "q"},
		},
	}
	d, err := engine.SubmitFlow(sub)
	must.NoError(t, err)

	backend.waitForNode(t, "p")
	backend.failNode(t, "a", "module exploded")

	got := waitForStatus(t, engine, d.ID, structs.DeploymentStatusFailed)
	must.Eq(t, structs.NodeRunSkipped, got.NodeStatus["b"].Status)
	must.Eq(t, "upstream failure", got.NodeStatus["b"].Error)
	must.Eq(t, structs.NodeRunSkipped, got.NodeStatus["q"].Status)
	must.Eq(t, "deployment failed", got.NodeStatus["q"].Error)

	// The running sibling chain was cancelled, not skipped.
	must.Eq(t, structs.NodeRunFailed, got.NodeStatus["p"].Status)
	must.StrContains(t, got.NodeStatus["p"].Error, "cancelled")
}

func TestEngine_conditionalSkipCascade(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	d, err := engine.SubmitFlow(mock.ConditionalFlow())
	must.NoError(t, err)

	// a's output fails the ok==true gate: b skips, and c behind it too.
	backend.completeNode(t, "a", map[string]interface{}{"ok": false}, 0)

	got := waitForStatus(t, engine, d.ID, structs.DeploymentStatusCompleted)
	must.Eq(t, structs.NodeRunCompleted, got.NodeStatus["a"].Status)
	must.Eq(t, structs.NodeRunSkipped, got.NodeStatus["b"].Status)
	must.Eq(t, structs.NodeRunSkipped, got.NodeStatus["c"].Status)
	must.Eq(t, []string{"a"}, backend.submissions())
}

func TestEngine_conditionalPass(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	d, err := engine.SubmitFlow(mock.ConditionalFlow())
	must.NoError(t, err)

	backend.completeNode(t, "a", map[string]interface{}{"ok": true}, 0)
	backend.completeNode(t, "b", nil, 0)
	backend.completeNode(t, "c", nil, 0)

	got := waitForStatus(t, engine, d.ID, structs.DeploymentStatusCompleted)
	for _, id := range []string{"a", "b", "c"} {
		must.Eq(t, structs.NodeRunCompleted, got.NodeStatus[id].Status)
	}
}

func TestEngine_cancel(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	d, err := engine.SubmitFlow(mock.LinearFlow())
	must.NoError(t, err)

	backend.waitForNode(t, "a")
	must.NoError(t, engine.Cancel(d.ID))

	got := waitForStatus(t, engine, d.ID, structs.DeploymentStatusCancelled)
	must.Eq(t, structs.NodeRunFailed, got.NodeStatus["a"].Status)
	must.Eq(t, structs.NodeRunSkipped, got.NodeStatus["b"].Status)
	must.Eq(t, structs.NodeRunSkipped, got.NodeStatus["c"].Status)

	// Cancelling again hits the terminal record.
	testutil.WaitForResult(func() (bool, error) {
		err := engine.Cancel(d.ID)
		return errors.Is(err, structs.ErrDeploymentTerminal), err
	}, func(err error) {
		t.Fatalf("expected terminal deployment: %v", err)
	})

	must.ErrorIs(t, engine.Cancel("nonexistent"), structs.ErrUnknownDeployment)
}

func TestEngine_cycleRejected(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	_, err := engine.SubmitFlow(mock.CyclicFlow())
	must.ErrorIs(t, err, structs.ErrCycleDetected)
	must.Len(t, 0, backend.submissions())
}

func TestEngine_validationErrors(t *testing.T) {
	ci.Parallel(t)
	engine, _ := testEngine(t)

	sub := mock.LinearFlow()
	sub.Nodes[1].ModuleID = ""
	_, err := engine.SubmitFlow(sub)
	must.Error(t, err)

	sub = mock.LinearFlow()
	sub.Connections[0].TargetNode = "ghost"
	_, err = engine.SubmitFlow(sub)
	must.Error(t, err)

	sub = mock.LinearFlow()
	sub.ClientID = ""
	_, err = engine.SubmitFlow(sub)
	must.Error(t, err)
}

func TestEngine_dryRun(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	sub := mock.LinearFlow()
	sub.Options.DryRun = true
	d, err := engine.SubmitFlow(sub)
	must.NoError(t, err)

	must.Eq(t, structs.DeploymentStatusCompleted, d.Status)
	must.Len(t, 0, backend.submissions())
	for _, ns := range d.NodeStatus {
		must.Eq(t, structs.NodeRunSkipped, ns.Status)
	}

	// Recorded and readable afterwards.
	got, err := engine.Get(d.ID)
	must.NoError(t, err)
	must.Eq(t, structs.DeploymentStatusCompleted, got.Status)
}

func TestEngine_credentials(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	sub := mock.LinearFlow()
	sub.Nodes[0].CredentialRefs = map[string]*structs.CredentialRef{
		"api_key": {CredentialID: "cred-1", Type: "api-key"},
	}
	sub.ResolvedCredentials = map[string]interface{}{
		"cred-1": "s3cret",
	}

	_, err := engine.SubmitFlow(sub)
	must.NoError(t, err)

	jobID := backend.waitForNode(t, "a")
	backend.mu.Lock()
	creds := backend.jobs[jobID].Payload.ModuleExecution.Credentials
	backend.mu.Unlock()
	must.Eq(t, "s3cret", creds["api_key"])
}

func TestEngine_credentialMissing(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	sub := mock.LinearFlow()
	sub.Nodes[0].CredentialRefs = map[string]*structs.CredentialRef{
		"api_key": {CredentialID: "cred-ghost"},
	}

	d, err := engine.SubmitFlow(sub)
	must.NoError(t, err)

	got := waitForStatus(t, engine, d.ID, structs.DeploymentStatusFailed)
	must.StrContains(t, got.NodeStatus["a"].Error, structs.FailureCredentialMissing)
	must.Eq(t, structs.NodeRunSkipped, got.NodeStatus["b"].Status)
	must.Len(t, 0, backend.submissions())
}

func TestEngine_costCap(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	sub := mock.LinearFlow()
	sub.Options.MaxCostCents = 5
	_, err := engine.SubmitFlow(sub)
	must.NoError(t, err)

	jobID := backend.waitForNode(t, "a")
	backend.mu.Lock()
	maxCost := backend.jobs[jobID].Requirements.MaxCostCents
	backend.mu.Unlock()
	must.Eq(t, int64(5), maxCost)
}

func TestEngine_listAndStats(t *testing.T) {
	ci.Parallel(t)
	engine, backend := testEngine(t)

	sub := mock.LinearFlow()
	d, err := engine.SubmitFlow(sub)
	must.NoError(t, err)

	stubs, err := engine.List(sub.ClientID)
	must.NoError(t, err)
	must.Len(t, 1, stubs)
	must.Eq(t, d.ID, stubs[0].ID)

	backend.completeNode(t, "a", nil, 0)
	backend.completeNode(t, "b", nil, 0)
	backend.completeNode(t, "c", nil, 0)
	waitForStatus(t, engine, d.ID, structs.DeploymentStatusCompleted)

	stats, err := engine.Stats()
	must.NoError(t, err)
	must.Eq(t, 1, stats.Completed)
}
