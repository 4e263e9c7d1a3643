package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicstudio/internal/billing"
	"comicstudio/internal/billing/billingtest"
	"comicstudio/internal/generation"
	"comicstudio/internal/http/handlers"
	"comicstudio/internal/middleware"
	"comicstudio/internal/pipeline"
	"comicstudio/internal/pipeline/pipelinetest"
	"comicstudio/internal/poller"
	"comicstudio/internal/stream"
)

const secret = "router-secret"

type env struct {
	handler http.Handler
	jobs    *pipelinetest.Jobs
	ledger  *billingtest.Ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		jobs:   pipelinetest.NewJobs(),
		ledger: billingtest.NewLedger(map[string]int{"alice": 10}),
	}
	b := billing.New(e.ledger, nil)
	p, err := pipeline.New(pipeline.Deps{
		Jobs: e.jobs,
		Poller: poller.New(e.jobs, poller.Options{
			Interval:     time.Millisecond,
			Timeout:      2 * time.Second,
			BackoffStart: time.Millisecond,
			BackoffMax:   time.Millisecond,
		}),
		Store:   pipelinetest.NewStore(),
		Scenes:  pipelinetest.NewScenes(),
		Billing: b,
	}, pipeline.Options{Workers: 2})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	app := handlers.NewApp(generation.New(p, b, nil), zerolog.Nop(), nil)
	e.handler = NewRouter(app, Options{Logger: zerolog.Nop(), JWTSecret: secret})
	return e
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := middleware.SignJWT(secret, middleware.TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: sub}})
	require.NoError(t, err)
	return tok
}

const comicBody = `{"title":"Fox Day","style":"watercolor","characters":[{"name":"Fox","description":"small red fox"}],
"scenes":[{"description":"the fox wakes"},{"description":"the fox walks"}]}`

func (e *env) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeEvents(t *testing.T, body []byte) []stream.Event {
	t.Helper()
	dec := stream.NewDecoder(bytes.NewReader(body))
	var out []stream.Event
	for {
		ev, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body.Error
}

func TestHealth(t *testing.T) {
	rr := newEnv(t).do(t, http.MethodGet, "/v1/healthz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestComicStreamsToCompletion(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPost, "/v1/comics", comicBody, token(t, "alice"))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get(middleware.HeaderRequestID))

	events := decodeEvents(t, rr.Body.Bytes())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, stream.TypeComplete, last.Type)
	var sum pipeline.Summary
	require.NoError(t, last.DecodeData(&sum))
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 8, e.ledger.Balance("alice"))

	prev := 0
	for _, ev := range events {
		if ev.Type == stream.TypeProgress {
			assert.GreaterOrEqual(t, ev.Progress, prev)
			prev = ev.Progress
		}
	}
	assert.Equal(t, 100, prev)
}

func TestComicByUnitCount(t *testing.T) {
	e := newEnv(t)
	e.jobs.FailWhen("scene 3 of 4", true)
	rr := e.do(t, http.MethodPost, "/v1/comics", `{"title":"Cute","units":4,"style":"cute"}`, token(t, "alice"))

	require.Equal(t, http.StatusOK, rr.Code)
	events := decodeEvents(t, rr.Body.Bytes())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, stream.TypeComplete, last.Type)
	var sum pipeline.Summary
	require.NoError(t, last.DecodeData(&sum))
	require.Len(t, sum.Scenes, 4)
	for i, sc := range sum.Scenes {
		assert.Equal(t, i+1, sc.Order)
	}
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "failed", string(sum.Scenes[2].Status))
	assert.Len(t, e.ledger.Transactions(), 3)
}

func TestComicUnitCountValidation(t *testing.T) {
	bodies := map[string]string{
		"zero":        `{"title":"T","style":"cute","units":0}`,
		"negative":    `{"title":"T","style":"cute","units":-2}`,
		"too many":    `{"title":"T","style":"cute","units":99}`,
		"with scenes": `{"title":"T","style":"cute","units":2,"scenes":[{"description":"a"}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			rr := e.do(t, http.MethodPost, "/v1/comics", body, token(t, "alice"))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "bad_request", errorCode(t, rr))
			assert.Empty(t, e.jobs.Requests())
		})
	}
}

func TestComicRejectionsAreJSON(t *testing.T) {
	e := newEnv(t)

	rr := e.do(t, http.MethodPost, "/v1/comics", comicBody, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rr))

	rr = e.do(t, http.MethodPost, "/v1/comics", comicBody, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/comics", `{"title":`, token(t, "alice"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "bad_request", errorCode(t, rr))

	rr = e.do(t, http.MethodPost, "/v1/comics", comicBody, token(t, "bob"))
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, "insufficient_credits", errorCode(t, rr))

	assert.Empty(t, e.jobs.Requests())
}

func TestAnonymousImage(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPost, "/v1/images", `{"description":"a lighthouse","style":"ink"}`, "")
	require.Equal(t, http.StatusOK, rr.Code)
	events := decodeEvents(t, rr.Body.Bytes())
	require.NotEmpty(t, events)
	assert.Equal(t, stream.TypeComplete, events[len(events)-1].Type)
	assert.Zero(t, e.ledger.Checks())
}

func TestRetryRoute(t *testing.T) {
	e := newEnv(t)
	e.jobs.FailWhen("the fox walks", true)
	rr := e.do(t, http.MethodPost, "/v1/comics", comicBody, token(t, "alice"))
	events := decodeEvents(t, rr.Body.Bytes())
	var sum pipeline.Summary
	require.NoError(t, events[len(events)-1].DecodeData(&sum))
	require.Equal(t, 1, sum.Failed)

	e.jobs.FailWhen("the fox walks", false)
	path := "/v1/comics/" + sum.ComicID + "/scenes/2/retry"
	rr = e.do(t, http.MethodPost, path, `{"description":"the fox runs"}`, token(t, "alice"))
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Scene struct {
			Status      string `json:"status"`
			Description string `json:"description"`
			RetryCount  int    `json:"retry_count"`
		} `json:"scene"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "completed", body.Scene.Status)
	assert.Equal(t, "the fox runs", body.Scene.Description)
	assert.Equal(t, 1, body.Scene.RetryCount)

	rr = e.do(t, http.MethodPost, "/v1/comics/"+uuid.NewString()+"/scenes/1/retry", "", token(t, "alice"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/comics/"+sum.ComicID+"/scenes/x/retry", "", token(t, "alice"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestComicOverWebSocket(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/comics/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token(t, "alice")}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(comicBody)))

	var last stream.Event
	for {
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		last = ev
	}
	assert.Equal(t, stream.TypeComplete, last.Type)
}

func TestWebSocketRejectionUsesCloseCode(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/comics/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(comicBody)))

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4000+http.StatusUnauthorized, ce.Code)
}
