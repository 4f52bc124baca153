package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/models"
)

func (f *apiFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func (f *apiFixture) dialStream(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(capability.HeaderServiceToken, testToken)
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/api/events/stream"+query), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func busEvent(taskID string, kind models.EventKind, seq int64) models.Event {
	return models.Event{
		ID:        uuid.NewString(),
		Seq:       seq,
		TaskID:    taskID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// waitSubscribed blocks until the stream handler has attached to the
// bus, so published events cannot race the subscription.
func (f *apiFixture) waitSubscribed(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.bus.Stats().Subscribers == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamRequiresAuth(t *testing.T) {
	f := newAPIFixture(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/api/events/stream"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Nil(t, conn)
}

func TestStreamReplaysRecentEvents(t *testing.T) {
	f := newAPIFixture(t, nil)

	f.bus.Publish(busEvent("t-1", models.EventTaskCreated, 1))
	f.bus.Publish(busEvent("t-1", models.EventTaskFinished, 2))

	conn := f.dialStream(t, "?replay=10")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first, second models.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, models.EventTaskCreated, first.Kind)
	assert.Equal(t, models.EventTaskFinished, second.Kind)
	assert.Equal(t, "t-1", first.TaskID)
}

func TestStreamDeliversLiveEvents(t *testing.T) {
	f := newAPIFixture(t, nil)

	conn := f.dialStream(t, "")
	f.waitSubscribed(t, 1)

	f.bus.Publish(busEvent("t-live", models.EventStepStarted, 3))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got models.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "t-live", got.TaskID)
	assert.Equal(t, models.EventStepStarted, got.Kind)
}

func TestStreamFiltersByTask(t *testing.T) {
	f := newAPIFixture(t, nil)

	f.bus.Publish(busEvent("t-a", models.EventTaskCreated, 1))
	f.bus.Publish(busEvent("t-b", models.EventTaskCreated, 2))
	f.bus.Publish(busEvent("t-a", models.EventTaskFinished, 3))

	conn := f.dialStream(t, "?task_id=t-a&replay=10")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first, second models.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "t-a", first.TaskID)
	assert.Equal(t, "t-a", second.TaskID)
	assert.Equal(t, models.EventTaskFinished, second.Kind)
}

func TestStreamFiltersByKind(t *testing.T) {
	f := newAPIFixture(t, nil)

	f.bus.Publish(busEvent("t-a", models.EventTaskCreated, 1))
	f.bus.Publish(busEvent("t-a", models.EventStepStarted, 2))
	f.bus.Publish(busEvent("t-a", models.EventTaskFinished, 3))

	conn := f.dialStream(t, "?kinds=task_created,task_finished&replay=10")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first, second models.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, models.EventTaskCreated, first.Kind)
	assert.Equal(t, models.EventTaskFinished, second.Kind)
}

// TestStreamCarriesExecutionEvents runs a deploy and watches it through
// the websocket, end to end.
func TestStreamCarriesExecutionEvents(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	conn := f.dialStream(t, "?task_id="+task.ID)
	f.waitSubscribed(t, 1)

	f.executeTask(t, task.ID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	kinds := make(map[models.EventKind]int)
	for {
		var got models.Event
		require.NoError(t, conn.ReadJSON(&got))
		require.Equal(t, task.ID, got.TaskID)
		kinds[got.Kind]++
		if got.Kind == models.EventTaskFinished {
			break
		}
	}
	assert.Equal(t, 1, kinds[models.EventPlanGenerated])
	assert.Equal(t, 5, kinds[models.EventStepSucceeded])
	assert.Equal(t, 5, kinds[models.EventCheckpointSaved])
}
