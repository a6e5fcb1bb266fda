package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorflow/core/internal/batch"
	"github.com/miradorflow/core/internal/dashboard"
	"github.com/miradorflow/core/internal/lifecycle"
	"github.com/miradorflow/core/internal/node"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/pipeline"
	"github.com/miradorflow/core/internal/publish"
	"github.com/miradorflow/core/internal/store"
	"github.com/miradorflow/core/internal/tableenv"
)

type echoNode struct{ id string }

func (n *echoNode) Meta() node.TypeDescriptor {
	return node.TypeDescriptor{ID: "echo", Category: node.CategoryGeneric}
}

func (n *echoNode) Execute(ctx context.Context, inputs node.Output, config map[string]interface{}, env *tableenv.Env) (node.Output, error) {
	out := node.Output{"node_id": n.id}
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

func newTestServer(t *testing.T) (*echo.Echo, store.Store) {
	t.Helper()

	registry := noderegistry.New()
	registry.Register(node.TypeDescriptor{ID: "echo", Category: node.CategoryGeneric}, func(id string) node.Processing {
		return &echoNode{id: id}
	})

	st := store.NewMemory()
	batchExec := batch.New(registry, nil)
	publishReg := publish.New()
	hub := dashboard.NewHub(publishReg, nil)
	lc := lifecycle.New(st, registry, publishReg, hub, nil)

	srv := NewServer(st, registry, batchExec, lc, nil, hub)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = ErrorHandler()
	e.Use(echomiddleware.Recover())
	srv.Register(e)

	return e, st
}

func samplePipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Nodes: []pipeline.Node{
			{ID: "a", Type: "echo"},
			{ID: "b", Type: "echo"},
		},
		Edges: []pipeline.Edge{{Source: "a", Target: "b"}},
	}
}

func TestRunPipeline_ReturnsStrippedResults(t *testing.T) {
	e, st := newTestServer(t)
	require.NoError(t, st.SavePipeline(context.Background(), "proj", "pipe", samplePipeline()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj/pipelines/pipe/run", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var decoded struct {
		SessionID string                            `json:"session_id"`
		Results   map[string]map[string]interface{} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.NotEmpty(t, decoded.SessionID)
	assert.Equal(t, "b", decoded.Results["b"]["node_id"])
}

func TestRunPipeline_UnknownPipelineIs404(t *testing.T) {
	e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj/pipelines/missing/run", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunPipelineStream_EmitsLineDelimitedEvents(t *testing.T) {
	e, st := newTestServer(t)
	require.NoError(t, st.SavePipeline(context.Background(), "proj", "pipe", samplePipeline()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj/pipelines/pipe/run-stream", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	var types []string
	for scanner.Scan() {
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
		types = append(types, decoded["type"].(string))
	}
	assert.Contains(t, types, "node_start")
	assert.Contains(t, types, "node_done")
	assert.Equal(t, "complete", types[len(types)-1])
}

func TestPublishUnpublish_RoundTrip(t *testing.T) {
	e, st := newTestServer(t)
	require.NoError(t, st.SavePipeline(context.Background(), "proj", "pipe", samplePipeline()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj/pipelines/pipe/publish", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj/pipelines/pipe/publish", nil)
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)

	req3 := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj/pipelines/pipe/unpublish", nil)
	rec3 := httptest.NewRecorder()
	e.ServeHTTP(rec3, req3)
	assert.Equal(t, http.StatusOK, rec3.Code)
}

func TestDashboardSocket_Subscribe(t *testing.T) {
	e, st := newTestServer(t)
	require.NoError(t, st.SavePipeline(context.Background(), "proj", "pipe", samplePipeline()))

	server := httptest.NewServer(e)
	defer server.Close()

	reqPublish := httptest.NewRequest(http.MethodPost, "/api/v1/projects/proj/pipelines/pipe/publish", nil)
	recPublish := httptest.NewRecorder()
	e.ServeHTTP(recPublish, reqPublish)
	require.Equal(t, http.StatusOK, recPublish.Code)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/projects/proj/pipelines/pipe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe", "widget_id": "w1", "table": "b",
	}))
	var subscribed map[string]interface{}
	require.NoError(t, conn.ReadJSON(&subscribed))
	assert.Equal(t, "subscribed", subscribed["event"])
}
