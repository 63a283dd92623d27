package speech

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

var upgrader = websocket.Upgrader{}

type wsCapture struct {
	mu       sync.Mutex
	query    map[string]string
	auth     string
	binaries [][]byte
	texts    []string
}

func (c *wsCapture) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binaries)
}

func (c *wsCapture) textContains(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, txt := range c.texts {
		if strings.Contains(txt, sub) {
			return true
		}
	}
	return false
}

// newWSServer starts a transcription endpoint stub that records what the
// client sends and pushes the given response messages.
func newWSServer(t *testing.T, responses []string) (*httptest.Server, *wsCapture) {
	t.Helper()
	capture := &wsCapture{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.mu.Lock()
		capture.auth = r.Header.Get("Authorization")
		capture.query = map[string]string{}
		for k := range r.URL.Query() {
			capture.query[k] = r.URL.Query().Get(k)
		}
		capture.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for _, resp := range responses {
			conn.WriteMessage(websocket.TextMessage, []byte(resp))
		}
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			capture.mu.Lock()
			switch kind {
			case websocket.BinaryMessage:
				capture.binaries = append(capture.binaries, data)
			case websocket.TextMessage:
				capture.texts = append(capture.texts, string(data))
			}
			capture.mu.Unlock()
		}
	}))
	t.Cleanup(server.Close)
	return server, capture
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestRecognizer(t *testing.T, server *httptest.Server, frames chan []int16) Recognizer {
	t.Helper()
	logger := commons.NewApplicationLogger(commons.WithLevel("error"))
	return NewWSRecognizer(logger, Config{
		URL:        wsURL(server),
		APIKey:     "dg-test",
		SampleRate: 48000,
	}, frames)
}

func TestRecognizer_StreamsPCMWithSessionParameters(t *testing.T) {
	server, capture := newWSServer(t, nil)
	frames := make(chan []int16, 4)
	rec := newTestRecognizer(t, server, frames)

	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()

	frame := []int16{100, -100, 32000}
	frames <- frame

	require.Eventually(t, func() bool { return capture.binaryCount() == 1 },
		time.Second, 5*time.Millisecond)

	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.Equal(t, "Token dg-test", capture.auth)
	assert.Equal(t, "linear16", capture.query["encoding"])
	assert.Equal(t, "48000", capture.query["sample_rate"])
	assert.Equal(t, "true", capture.query["interim_results"])

	raw := capture.binaries[0]
	require.Len(t, raw, 6)
	assert.Equal(t, uint16(100), binary.LittleEndian.Uint16(raw[0:2]))
	assert.Equal(t, int16(-100), int16(binary.LittleEndian.Uint16(raw[2:4])))
}

func TestRecognizer_DecodesResults(t *testing.T) {
	server, _ := newWSServer(t, []string{
		`{"channel":{"alternatives":[{"transcript":"hello"}]},"is_final":false}`,
		`{"channel":{"alternatives":[{"transcript":""}]},"is_final":false}`,
		`{"channel":{"alternatives":[{"transcript":"hello there"}]},"is_final":true,"speech_final":true}`,
	})
	frames := make(chan []int16)
	rec := newTestRecognizer(t, server, frames)

	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()

	var results []Result
	timeout := time.After(2 * time.Second)
	for len(results) < 2 {
		select {
		case r := <-rec.Results():
			results = append(results, r)
		case <-timeout:
			t.Fatalf("timed out, got %d results", len(results))
		}
	}

	assert.Equal(t, Result{Text: "hello", Final: false}, results[0], "empty transcripts are skipped")
	assert.Equal(t, Result{Text: "hello there", Final: true}, results[1])
}

func TestRecognizer_StopSendsCloseStream(t *testing.T) {
	server, capture := newWSServer(t, nil)
	frames := make(chan []int16)
	rec := newTestRecognizer(t, server, frames)

	require.NoError(t, rec.Start(context.Background()))
	require.NoError(t, rec.Stop())
	require.NoError(t, rec.Stop()) // idempotent

	require.Eventually(t, func() bool { return capture.textContains("CloseStream") },
		time.Second, 5*time.Millisecond)
}

func TestRecognizer_StartIsIdempotent(t *testing.T) {
	server, _ := newWSServer(t, nil)
	frames := make(chan []int16)
	rec := newTestRecognizer(t, server, frames)

	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()
	require.NoError(t, rec.Start(context.Background()))
}

func TestRecognizer_DialFailure(t *testing.T) {
	logger := commons.NewApplicationLogger(commons.WithLevel("error"))
	rec := NewWSRecognizer(logger, Config{URL: "ws://127.0.0.1:1", SampleRate: 48000}, nil)

	err := rec.Start(context.Background())
	assert.Error(t, err)

	// A failed start must not leave the recognizer stuck in started state.
	server, _ := newWSServer(t, nil)
	rec = NewWSRecognizer(logger, Config{URL: wsURL(server), SampleRate: 48000}, nil)
	require.NoError(t, rec.Start(context.Background()))
	rec.Stop()
}
