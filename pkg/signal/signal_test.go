// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package signal

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/tool"
	"github.com/teradata-labs/cascade/pkg/types"
)

func intp(i int) *int { return &i }

func awaitReq(ms *sink.MemorySink, t *testing.T, def *cascade.SignalDef, name string) AwaitRequest {
	t.Helper()
	root := &sink.Event{SessionID: "ses_sig", TraceID: "trc_sig_root", NodeType: sink.NodePhaseStart, PhaseName: "wait"}
	require.NoError(t, ms.Append(context.Background(), root))
	return AwaitRequest{
		CascadeID:   "demo",
		SessionID:   "ses_sig",
		Phase:       "wait",
		Name:        name,
		Def:         def,
		ParentTrace: "trc_sig_root",
	}
}

func TestAwaitResolvesOnFire(t *testing.T) {
	ms := sink.NewMemorySink()
	m := NewManager(ms, nil, nil)
	req := awaitReq(ms, t, &cascade.SignalDef{Type: cascade.SignalHuman, TimeoutSeconds: intp(10)}, "approval")
	req.Checkpoint = &Checkpoint{
		Question: "Approve?",
		Options:  []Option{{Label: "Yes", Value: "approve"}, {Label: "No", Value: "reject"}},
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		err := m.Fire(context.Background(), "demo", "ses_sig", "approval", map[string]interface{}{"response": "approve"})
		assert.NoError(t, err)
	}()

	res, err := m.Await(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "approve", res.Response())

	ctx := context.Background()
	checkpoints, err := ms.Query(ctx, sink.Query{NodeTypes: []sink.NodeType{sink.NodeCheckpoint}})
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	content := checkpoints[0].Content.(map[string]interface{})
	assert.Equal(t, "Approve?", content["question"])

	fired, err := ms.Query(ctx, sink.Query{NodeTypes: []sink.NodeType{sink.NodeSignalFired}})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "approval", fired[0].Metadata["signal"])

	// The resolution hangs under the pending wait record.
	waits, err := ms.Query(ctx, sink.Query{NodeTypes: []sink.NodeType{sink.NodeSignalWait}})
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, waits[0].TraceID, fired[0].ParentID)
}

func TestAwaitFindsPriorResolution(t *testing.T) {
	ms := sink.NewMemorySink()
	m := NewManager(ms, nil, nil)
	req := awaitReq(ms, t, &cascade.SignalDef{Type: cascade.SignalWebhook}, "deploy_done")

	// The signal fired before the process (re)started its wait.
	require.NoError(t, m.Fire(context.Background(), "demo", "ses_sig", "deploy_done", map[string]interface{}{"ok": true}))

	res, err := m.Await(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, map[string]interface{}{"ok": true}, res.Value)

	// Replaying the wait returns the same record.
	again, err := m.Await(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, res.Value, again.Value)
}

func TestAwaitZeroTimeout(t *testing.T) {
	ms := sink.NewMemorySink()
	m := NewManager(ms, nil, nil)
	req := awaitReq(ms, t, &cascade.SignalDef{Type: cascade.SignalHuman, TimeoutSeconds: intp(0)}, "never")

	res, err := m.Await(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	timeouts, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeSignalTimeout}})
	require.NoError(t, err)
	assert.Len(t, timeouts, 1)
}

func TestAwaitCancellation(t *testing.T) {
	ms := sink.NewMemorySink()
	m := NewManager(ms, nil, nil)
	req := awaitReq(ms, t, &cascade.SignalDef{Type: cascade.SignalHuman}, "stuck")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := m.Await(ctx, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.KindOf(err))
}

func TestCompositeAny(t *testing.T) {
	ms := sink.NewMemorySink()
	m := NewManager(ms, nil, nil)
	signals := map[string]*cascade.SignalDef{
		"a":      {Type: cascade.SignalWebhook},
		"b":      {Type: cascade.SignalWebhook},
		"either": {Type: cascade.SignalComposite, Of: []string{"a", "b"}, Mode: "any"},
	}
	req := awaitReq(ms, t, signals["either"], "either")
	req.Signals = signals

	go func() {
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, m.Fire(context.Background(), "demo", "ses_sig", "b", "payload-b"))
	}()

	res, err := m.Await(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.TimedOut)
	value := res.Value.(map[string]interface{})
	assert.Equal(t, "payload-b", value["b"])
	_, hasA := value["a"]
	assert.False(t, hasA)
}

func TestCompositeAllTimesOutWithChild(t *testing.T) {
	ms := sink.NewMemorySink()
	m := NewManager(ms, nil, nil)
	signals := map[string]*cascade.SignalDef{
		"fast": {Type: cascade.SignalWebhook},
		"slow": {Type: cascade.SignalWebhook, TimeoutSeconds: intp(0)},
		"both": {Type: cascade.SignalComposite, Of: []string{"fast", "slow"}, Mode: "all"},
	}
	req := awaitReq(ms, t, signals["both"], "both")
	req.Signals = signals

	res, err := m.Await(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
}

func TestCompositeAnyAllChildrenTimeOut(t *testing.T) {
	ms := sink.NewMemorySink()
	m := NewManager(ms, nil, nil)
	signals := map[string]*cascade.SignalDef{
		"x":   {Type: cascade.SignalWebhook, TimeoutSeconds: intp(0)},
		"y":   {Type: cascade.SignalWebhook, TimeoutSeconds: intp(0)},
		"one": {Type: cascade.SignalComposite, Of: []string{"x", "y"}, Mode: "any"},
	}
	req := awaitReq(ms, t, signals["one"], "one")
	req.Signals = signals

	res, err := m.Await(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
}

func TestSensorPollFiresOnStatus(t *testing.T) {
	ms := sink.NewMemorySink()
	registry := tool.NewRegistry()
	calls := 0
	registry.Register(tool.NewFuncTool("check_file", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		calls++
		if calls < 2 {
			return map[string]interface{}{"status": "false"}, nil
		}
		return map[string]interface{}{"status": "fired", "path": "/tmp/ready"}, nil
	}))
	m := NewManager(ms, tool.NewExecutor(registry, nil), nil)

	req := awaitReq(ms, t, &cascade.SignalDef{
		Type: cascade.SignalSensor,
		Poll: &cascade.SensorPoll{Tool: "check_file"},
	}, "file_ready")

	ctx := context.Background()
	assert.False(t, m.pollOnce(ctx, req))
	assert.True(t, m.pollOnce(ctx, req))

	res, err := m.resolved(ctx, "ses_sig", "file_ready")
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestWebhookEndpoint(t *testing.T) {
	ms := sink.NewMemorySink()
	m := NewManager(ms, nil, nil)

	t.Setenv("DEPLOY_HOOK_SECRET", "s3cret")
	c := &cascade.Cascade{
		CascadeID: "demo",
		Signals: map[string]*cascade.SignalDef{
			"deploy_done": {
				Type:   cascade.SignalWebhook,
				Auth:   &cascade.SignalAuth{Type: "hmac", SecretEnv: "DEPLOY_HOOK_SECRET"},
				Schema: map[string]interface{}{"type": "object", "required": []interface{}{"version"}},
			},
		},
	}
	wh := NewWebhook(m, func(id string) (*cascade.Cascade, bool) {
		return c, id == "demo"
	}, nil)
	mux := http.NewServeMux()
	wh.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sign := func(body []byte) string {
		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}
	post := func(path string, body []byte, sig string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set("X-Signature", sig)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	good := []byte(`{"version": "1.4.2"}`)

	resp := post("/signals/demo/ses_w/deploy_done", good, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post("/signals/demo/ses_w/deploy_done", []byte(`{}`), sign([]byte(`{}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = post("/signals/demo/ses_w/missing", good, sign(good))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post("/signals/demo/ses_w/deploy_done", good, sign(good))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	res, err := m.resolved(context.Background(), "ses_w", "deploy_done")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "1.4.2", res.Value.(map[string]interface{})["version"])
}

func TestDetectDecision(t *testing.T) {
	content := "I need a human call here.\n```decision\n" +
		`{"question": "Ship now?", "options": [{"label": "Yes", "value": "ship", "route_to": "deploy"}, {"label": "No", "value": "hold"}]}` +
		"\n```\nAwaiting input."

	cp, remainder, ok := DetectDecision(content)
	require.True(t, ok)
	assert.Equal(t, "Ship now?", cp.Question)
	require.Len(t, cp.Options, 2)
	assert.Equal(t, "deploy", cp.Options[0].RouteTo)
	assert.NotContains(t, remainder, "decision")
	assert.Contains(t, remainder, "Awaiting input.")

	opt, ok := cp.OptionFor("ship")
	require.True(t, ok)
	assert.Equal(t, "Yes", opt.Label)

	_, _, ok = DetectDecision("no block here")
	assert.False(t, ok)
}
