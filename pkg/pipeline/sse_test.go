package pipeline

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwatch/nestwatch/pkg/types"
)

// readEvent blocks until one complete SSE event arrives
func readEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return event, data
		}
	}
}

func openStream(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return bufio.NewReader(resp.Body)
}

// Every subscriber of a nest receives every event, and events do not
// cross nest boundaries
func TestSSEFanOut(t *testing.T) {
	svc := service("svc-1", "nest-1")
	p, _, clock := newTestPipeline(t, svc)
	srv := httptest.NewServer(p.Router())
	// Registered before the streams so the cleanup stack closes the
	// client bodies first; Close blocks until the handlers return
	t.Cleanup(srv.Close)

	first := openStream(t, srv.URL+"/api/v1/nests/nest-1/live")
	second := openStream(t, srv.URL+"/api/v1/nests/nest-1/live")
	other := openStream(t, srv.URL+"/api/v1/nests/nest-2/live")

	// Give the subscriptions a moment to settle before publishing
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, p.Process(context.Background(), resultMessage(t, &types.ProbeResult{
		ServiceID: "svc-1", NestID: "nest-1",
		Status: types.ProbeStatusUp, ResponseTime: 150,
		Timestamp: clock.Now().UnixMilli(),
	})))

	for i, r := range []*bufio.Reader{first, second} {
		event, data := readEvent(t, r)
		assert.Equal(t, "status", event, "subscriber %d", i)
		assert.Contains(t, data, `"service_update"`, "subscriber %d", i)
		assert.Contains(t, data, `"svc-1"`, "subscriber %d", i)
		assert.Contains(t, data, `"up"`, "subscriber %d", i)
	}

	// The nest-2 stream stays quiet
	leaked := make(chan string, 1)
	go func() {
		line, err := other.ReadString('\n')
		if err == nil && strings.HasPrefix(line, "data: ") {
			leaked <- line
		}
	}()
	select {
	case line := <-leaked:
		t.Fatalf("event leaked across nests: %s", line)
	case <-time.After(200 * time.Millisecond):
	}
}
