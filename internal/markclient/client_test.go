package markclient

import (
	"context"
	"net/http"
	"testing"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lora_pipeline/internal/stageconf"
)

const engine = "http://mark-engine:8188"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	httpClient := &http.Client{}
	gock.InterceptClient(httpClient)
	t.Cleanup(func() {
		gock.RestoreClient(httpClient)
		gock.Off()
	})
	return New(engine, map[string]string{"X-Token": "abc"}, httpClient)
}

func TestSubmit_ReturnsPromptID(t *testing.T) {
	c := newTestClient(t)
	gock.New(engine).
		Post("/api/prompt").
		MatchHeader("X-Token", "abc").
		MatchType("json").
		Reply(200).
		JSON(map[string]any{"prompt_id": "p-1", "number": 3, "node_errors": map[string]any{}})

	id, err := c.Submit(context.Background(), map[string]any{"1": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)
	assert.True(t, gock.IsDone())
}

func TestSubmit_NodeErrors(t *testing.T) {
	c := newTestClient(t)
	gock.New(engine).
		Post("/api/prompt").
		Reply(200).
		JSON(map[string]any{"prompt_id": "", "node_errors": map[string]any{"220": "missing model"}})

	_, err := c.Submit(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing model")
}

func TestSubmit_HTTPError(t *testing.T) {
	c := newTestClient(t)
	gock.New(engine).Post("/api/prompt").Reply(500).BodyString("boom")

	_, err := c.Submit(context.Background(), map[string]any{})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)
}

func TestStatus_MissingFromHistoryIsRunning(t *testing.T) {
	c := newTestClient(t)
	gock.New(engine).Get("/api/history/p-1").Reply(200).JSON(map[string]any{})

	res, err := c.Status(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, res.State)
	assert.False(t, res.State.Done())
}

func TestStatus_Success(t *testing.T) {
	c := newTestClient(t)
	gock.New(engine).Get("/api/history/p-1").Reply(200).JSON(map[string]any{
		"p-1": map[string]any{"status": map[string]any{"status_str": "success", "completed": true, "messages": []any{}}},
	})

	res, err := c.Status(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 100, res.Progress)
}

func TestStatus_ErrorDetail(t *testing.T) {
	c := newTestClient(t)
	gock.New(engine).Get("/api/history/p-1").Reply(200).JSON(map[string]any{
		"p-1": map[string]any{"status": map[string]any{
			"status_str": "error",
			"completed":  false,
			"messages": []any{
				[]any{"execution_start", map[string]any{"prompt_id": "p-1"}},
				[]any{"execution_error", map[string]any{
					"node_id":           "220",
					"node_type":         "WD14Tagger|pysssss",
					"exception_type":    "RuntimeError",
					"exception_message": "CUDA out of memory",
					"traceback":         []string{"line 1", "line 2"},
				}},
			},
		}},
	})

	res, err := c.Status(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Error)
	assert.Equal(t, "220", res.Error.NodeID)
	assert.Equal(t, "RuntimeError", res.Error.ExceptionType)
	assert.Contains(t, res.Error.Error(), "CUDA out of memory")
	assert.Len(t, res.Error.Traceback, 2)
}

func TestInterrupt(t *testing.T) {
	c := newTestClient(t)
	gock.New(engine).Post("/api/interrupt").Reply(200)

	require.NoError(t, c.Interrupt(context.Background()))
	assert.True(t, gock.IsDone())
}

func TestBuildWorkflow_WD(t *testing.T) {
	p := stageconf.DefaultMarkParams()
	p.TriggerWords = "rlt"
	p.CropRatio = "3:4"
	p.Resolution = 768
	p.MinConfidence = 0.35

	wf, err := BuildWorkflow(p, "/in", "/out")
	require.NoError(t, err)

	inputs := func(node string) map[string]any {
		return wf[node].(map[string]any)["inputs"].(map[string]any)
	}
	assert.Equal(t, true, inputs("209")["boolean"])
	assert.Equal(t, "3:4", inputs("35")["aspect_ratio"])
	assert.Equal(t, 768, inputs("35")["scale_to_length"])
	assert.Equal(t, "/in", inputs("208")["string"])
	assert.Equal(t, "/out", inputs("155")["string"])
	assert.Equal(t, "rlt", inputs("210")["string"])
	assert.Equal(t, 0.35, inputs("220")["threshold"])
	assert.Equal(t, stageconf.AlgorithmWDDefault, inputs("220")["model"])
}

func TestBuildWorkflow_JoyCaption(t *testing.T) {
	p := stageconf.DefaultMarkParams()
	p.Algorithm = stageconf.AlgorithmJoyCaption

	wf, err := BuildWorkflow(p, "/in", "/out")
	require.NoError(t, err)
	_, hasTagger := wf["220"]
	assert.False(t, hasTagger)
	assert.Equal(t, 300, wf["241"].(map[string]any)["inputs"].(map[string]any)["max_new_tokens"])
}
