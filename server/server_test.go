package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/brensch/snekweb/controller"
	"github.com/brensch/snekweb/convert"
	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/inference"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Game: game.Config{Size: 15, Boundary: game.Wrap},
		Controller: controller.Config{
			TickInterval:    5 * time.Millisecond,
			DecisionTimeout: time.Second,
		},
		Seed: 1,
	}
}

func readyLoader(t *testing.T) *inference.Loader {
	t.Helper()
	l := inference.Load(context.Background(), func(ctx context.Context) (inference.Predictor, error) {
		return inference.Heuristic{Boundary: game.Wrap}, nil
	}, zerolog.Nop())
	_, err := l.Wait(context.Background())
	require.NoError(t, err)
	return l
}

func newTestServer(t *testing.T, l *inference.Loader) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWithOptions(t, l, testOptions())
}

func newTestServerWithOptions(t *testing.T, l *inference.Loader, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, l, opts, zerolog.New(zerolog.NewTestWriter(t)))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
		cancel()
	})
	return s, ts
}

func TestIndexPage(t *testing.T) {
	_, ts := newTestServer(t, readyLoader(t))

	res, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	doc, err := goquery.NewDocumentFromReader(res.Body)
	require.NoError(t, err)

	assert.Equal(t, 1, doc.Find("canvas#gameCanvas").Length())
	assert.Equal(t, 1, doc.Find("#score").Length())
	btn := doc.Find("button#startButton")
	require.Equal(t, 1, btn.Length())
	_, disabled := btn.Attr("disabled")
	assert.True(t, disabled, "start is disabled until the provider reports ready")

	canvas := doc.Find("canvas#gameCanvas")
	head, ok := canvas.Attr("data-head-color")
	require.True(t, ok)
	body, ok := canvas.Attr("data-body-color")
	require.True(t, ok)
	food, ok := canvas.Attr("data-food-color")
	require.True(t, ok)
	assert.NotEqual(t, head, body, "the head is drawn distinctly from the body")
	assert.NotEqual(t, food, body)
	assert.NotEqual(t, food, head)
	assert.Contains(t, doc.Find("script").Text(), "colors.headColor")
}

func TestUnknownPathIs404(t *testing.T) {
	_, ts := newTestServer(t, readyLoader(t))

	res, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestStart_UnavailableUntilReady(t *testing.T) {
	release := make(chan struct{})
	l := inference.Load(context.Background(), func(ctx context.Context) (inference.Predictor, error) {
		<-release
		return inference.Heuristic{}, nil
	}, zerolog.Nop())
	_, ts := newTestServer(t, l)

	res, err := http.Post(ts.URL+"/api/start", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	st := getStatus(t, ts)
	assert.Equal(t, "loading", st.Provider)
	assert.False(t, st.Ready)

	close(release)
	_, err = l.Wait(context.Background())
	require.NoError(t, err)

	res, err = http.Post(ts.URL+"/api/start", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStatus_ProviderAndReadyAgree(t *testing.T) {
	release := make(chan struct{})
	l := inference.Load(context.Background(), func(ctx context.Context) (inference.Predictor, error) {
		<-release
		return inference.Heuristic{}, nil
	}, zerolog.Nop())
	s, _ := newTestServer(t, l)

	go close(release)
	for i := 0; i < 2000; i++ {
		st := s.Status()
		require.Equal(t, st.Provider == inference.Ready.String(), st.Ready, "status %+v", st)
	}
	_, err := l.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Status().Ready)
}

func TestStart_FailedLoadStaysUnavailable(t *testing.T) {
	l := inference.Load(context.Background(), func(ctx context.Context) (inference.Predictor, error) {
		return nil, errors.New("model missing")
	}, zerolog.Nop())
	_, _ = l.Wait(context.Background())
	_, ts := newTestServer(t, l)

	res, err := http.Post(ts.URL+"/api/start", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	st := getStatus(t, ts)
	assert.Equal(t, "failed", st.Provider)
	assert.Contains(t, st.Error, "model missing")
}

func TestStart_RestartsRunningGame(t *testing.T) {
	s, _ := newTestServer(t, readyLoader(t))

	first, err := s.Start()
	require.NoError(t, err)
	second, err := s.Start()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, s.Status().Running)

	require.Eventually(t, func() bool {
		return s.Status().GameID == second
	}, time.Second, 5*time.Millisecond, "frames should come from the new game only")

	s.Stop()
	assert.False(t, s.Status().Running)
}

func TestWebsocket_StreamsFrames(t *testing.T) {
	_, ts := newTestServer(t, readyLoader(t))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, EventStatus, msg.Event)

	res, err := http.Post(ts.URL+"/api/start", "application/json", nil)
	require.NoError(t, err)
	var started map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&started))
	res.Body.Close()
	require.NotEmpty(t, started["game_id"])

	for {
		msg := readMessage(t, conn)
		if msg.Event != EventFrame {
			continue
		}
		var f game.Frame
		require.NoError(t, json.Unmarshal(msg.Data, &f))
		assert.Equal(t, started["game_id"], f.GameID)
		assert.Equal(t, 15, f.Size)
		assert.NotEmpty(t, f.Snake)
		return
	}
}

// upOnly always scores up highest.
type upOnly struct{}

func (upOnly) Predict(ctx context.Context, in convert.Input) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func TestWebsocket_StatusAfterGameOverIsNotRunning(t *testing.T) {
	l := inference.Load(context.Background(), func(ctx context.Context) (inference.Predictor, error) {
		return upOnly{}, nil
	}, zerolog.Nop())
	_, err := l.Wait(context.Background())
	require.NoError(t, err)

	opts := testOptions()
	opts.Game = game.Config{Size: 5, Boundary: game.Wall}
	// Slow enough that the start handler's own status goes out first.
	opts.Controller.TickInterval = 50 * time.Millisecond
	s, ts := newTestServerWithOptions(t, l, opts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	res, err := http.Post(ts.URL+"/api/start", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	for {
		msg := readMessage(t, conn)
		if msg.Event != EventGameOver {
			continue
		}
		var f game.Frame
		require.NoError(t, json.Unmarshal(msg.Data, &f))
		assert.Equal(t, game.CauseWall, f.Cause)
		break
	}

	for {
		msg := readMessage(t, conn)
		if msg.Event != EventStatus {
			continue
		}
		var st Status
		require.NoError(t, json.Unmarshal(msg.Data, &st))
		assert.False(t, st.Running, "the status following game_over reports the game as finished")
		assert.True(t, st.Ready)
		break
	}
	assert.False(t, s.Status().Running)
}

type rawMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg rawMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func getStatus(t *testing.T, ts *httptest.Server) Status {
	t.Helper()
	res, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	return st
}
