package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/eidolon-platform/eidolon/internal/event"
)

func newStreamServer(t *testing.T, bus *event.Bus) *httptest.Server {
	t.Helper()
	h := NewHandler(bus, zaptest.NewLogger(t))
	h.keepalive = 50 * time.Millisecond
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func progressFrame(taskID string, seq uint64) event.Frame {
	return event.Frame{
		EventType: event.EventTypeScan,
		Status:    event.StatusProgress,
		Payload:   event.Payload{TaskID: taskID, Seq: seq, Collector: "network"},
	}
}

// readSSE collects data frames until the stream ends.
func readSSE(t *testing.T, body *bufio.Reader) []event.Frame {
	t.Helper()
	var frames []event.Frame
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return frames
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f event.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &f))
		frames = append(frames, f)
	}
}

func TestSSEStreamsTaskFrames(t *testing.T) {
	bus := event.NewBus(16, zaptest.NewLogger(t))
	srv := newStreamServer(t, bus)

	resp, err := http.Get(srv.URL + "/tasks/stream?task_id=task-a")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	bus.Publish(progressFrame("task-a", 1))
	bus.Publish(progressFrame("task-a", 2))
	bus.CloseTopic("task-a")

	frames := readSSE(t, bufio.NewReader(resp.Body))
	require.Len(t, frames, 2)
	assert.Equal(t, "task-a", frames[0].Payload.TaskID)
	assert.Equal(t, uint64(1), frames[0].Payload.Seq)
	assert.Equal(t, uint64(2), frames[1].Payload.Seq)
}

func TestSSETaskFilterIgnoresOtherTopics(t *testing.T) {
	bus := event.NewBus(16, zaptest.NewLogger(t))
	srv := newStreamServer(t, bus)

	resp, err := http.Get(srv.URL + "/tasks/stream?task_id=task-a")
	require.NoError(t, err)
	defer resp.Body.Close()

	bus.Publish(progressFrame("task-b", 1))
	bus.Publish(progressFrame("task-a", 1))
	bus.CloseTopic("task-a")
	bus.CloseTopic("task-b")

	frames := readSSE(t, bufio.NewReader(resp.Body))
	require.Len(t, frames, 1)
	assert.Equal(t, "task-a", frames[0].Payload.TaskID)
}

func TestSSEWildcardSeesAllTasks(t *testing.T) {
	bus := event.NewBus(16, zaptest.NewLogger(t))
	srv := newStreamServer(t, bus)

	resp, err := http.Get(srv.URL + "/tasks/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	bus.Publish(progressFrame("task-a", 1))
	bus.Publish(progressFrame("task-b", 1))
	bus.Shutdown()

	frames := readSSE(t, bufio.NewReader(resp.Body))
	require.Len(t, frames, 2)
	tasks := []string{frames[0].Payload.TaskID, frames[1].Payload.TaskID}
	assert.ElementsMatch(t, []string{"task-a", "task-b"}, tasks)
}

func TestSSEKeepaliveComments(t *testing.T) {
	bus := event.NewBus(16, zaptest.NewLogger(t))
	srv := newStreamServer(t, bus)

	resp, err := http.Get(srv.URL + "/tasks/stream?task_id=task-a")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, ":") {
				got <- strings.TrimSpace(line)
				return
			}
		}
	}()

	select {
	case line := <-got:
		assert.Equal(t, ": keepalive", line)
	case <-deadline:
		t.Fatal("no keepalive comment received")
	}
	bus.Shutdown()
}

func TestWebSocketMirrorsFrames(t *testing.T) {
	bus := event.NewBus(16, zaptest.NewLogger(t))
	srv := newStreamServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tasks/ws?task_id=task-a"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	bus.Publish(progressFrame("task-a", 1))

	var f event.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, event.EventTypeScan, f.EventType)
	assert.Equal(t, "task-a", f.Payload.TaskID)
	assert.Equal(t, uint64(1), f.Payload.Seq)

	// Topic close ends the subscription and the server closes cleanly.
	bus.CloseTopic("task-a")
	err = wsjson.Read(ctx, conn, &f)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestSSEDisconnectReleasesSubscription(t *testing.T) {
	bus := event.NewBus(16, zaptest.NewLogger(t))
	srv := newStreamServer(t, bus)

	resp, err := http.Get(srv.URL + "/tasks/stream?task_id=task-a")
	require.NoError(t, err)
	resp.Body.Close()

	// Publishing after disconnect must not block or panic even though
	// the handler may still be tearing down.
	for i := 0; i < 100; i++ {
		bus.Publish(progressFrame("task-a", uint64(i)))
	}
	bus.Shutdown()
}
