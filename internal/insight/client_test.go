package insight

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/termd/internal/terminal"
)

func sampleMetadata() terminal.Metadata {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return terminal.Metadata{
		Output:       "$ go test ./...\nok\n",
		StartTime:    start,
		EndTime:      start.Add(2 * time.Minute),
		CommandCount: 2,
		ProjectID:    "p1",
		WorkDir:      "/work",
	}
}

func TestNewPayload(t *testing.T) {
	p := NewPayload("t1", "", sampleMetadata())

	assert.Equal(t, "t1", p.TerminalID)
	assert.Equal(t, DefaultName, p.TerminalName)
	assert.Equal(t, "2026-03-01T09:00:00Z", p.StartTime)
	assert.Equal(t, "2026-03-01T09:02:00Z", p.EndTime)
	assert.Equal(t, "/work", p.Cwd)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "worktreeId")
}

func TestSendPostsWithBearer(t *testing.T) {
	got := make(chan *http.Request, 1)
	var body Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- r
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.Send(context.Background(), "tok123", NewPayload("t1", "build", sampleMetadata())))

	r := <-got
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(t, "build", body.TerminalName)
	assert.Equal(t, 2, body.CommandCount)
}

func TestSendNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Send(context.Background(), "", Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSubmitIsAsyncAndAbsorbsFailures(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(time.Second))

	done := make(chan struct{})
	go func() {
		c.Submit("tok", NewPayload("t1", "x", sampleMetadata()))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on the request")
	}

	close(release)
	c.Wait()
}

func TestSubmitTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	start := time.Now()
	c.Submit("tok", Payload{TerminalID: "t1"})
	c.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDisabledClient(t *testing.T) {
	c := NewClient("")
	assert.False(t, c.Enabled())
	c.Submit("tok", Payload{})
	c.Wait()
}

func TestWaitTimeoutDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(5*time.Second))
	c.Submit("tok", Payload{TerminalID: "t1"})

	assert.False(t, c.WaitTimeout(50*time.Millisecond), "request still held by the server")

	close(release)
	require.True(t, c.WaitTimeout(2*time.Second))
	select {
	case <-received:
	default:
		t.Fatal("submission finished without reaching the server")
	}
}
