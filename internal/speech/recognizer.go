package speech

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

const (
	resultsChannelSize = 32
	keepAliveInterval  = 5 * time.Second
	dialTimeout        = 10 * time.Second
)

// Result is one recognition hypothesis. Interim results refine the same
// utterance until a final one closes it.
type Result struct {
	Text  string
	Final bool
}

// Recognizer turns captured speech into transcription results. Start and
// Stop bracket one listening window; a recognizer may be restarted.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error
	Results() <-chan Result
}

// Config holds the streaming speech-to-text endpoint parameters.
type Config struct {
	URL        string
	APIKey     string
	SampleRate int
	Language   string
}

// wsRecognizer streams linear16 PCM over a websocket to a live
// transcription endpoint and decodes its JSON result messages.
type wsRecognizer struct {
	logger commons.Logger
	config Config
	frames <-chan []int16

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	results chan Result
	started bool
}

// NewWSRecognizer wraps a PCM frame source with a websocket transcription
// session. Frames are consumed only while the recognizer is started.
func NewWSRecognizer(logger commons.Logger, config Config, frames <-chan []int16) Recognizer {
	return &wsRecognizer{
		logger:  logger,
		config:  config,
		frames:  frames,
		results: make(chan Result, resultsChannelSize),
	}
}

// listenResponse is the subset of the live-transcription message schema the
// recognizer consumes.
type listenResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r *wsRecognizer) Results() <-chan Result {
	return r.results
}

// Start dials the endpoint and begins streaming. Starting an already
// started recognizer is a no-op.
func (r *wsRecognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	endpoint, err := r.buildURL()
	if err != nil {
		r.markStopped()
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	if r.config.APIKey != "" {
		header.Set("Authorization", "Token "+r.config.APIKey)
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		r.markStopped()
		return fmt.Errorf("failed to open transcription stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.conn = conn
	r.cancel = cancel
	r.mu.Unlock()

	go r.writePump(streamCtx, conn)
	go r.readPump(conn)
	r.logger.Debugw("transcription stream opened", "endpoint", r.config.URL)
	return nil
}

func (r *wsRecognizer) buildURL() (string, error) {
	u, err := url.Parse(r.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid transcription endpoint: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.config.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if r.config.Language != "" {
		q.Set("language", r.config.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writePump forwards PCM frames as binary messages and keeps the stream
// alive through silence.
func (r *wsRecognizer) writePump(ctx context.Context, conn *websocket.Conn) {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case frame, ok := <-r.frames:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcmToBytes(frame)); err != nil {
				r.logger.Debugw("transcription write failed", "error", err)
				return
			}
		}
	}
}

// readPump decodes result messages until the connection closes. Empty
// transcripts are skipped; speech_final marks the end of an utterance.
func (r *wsRecognizer) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debugw("transcription stream closed", "error", err)
			}
			return
		}

		var msg listenResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warnw("dropping malformed transcription message", "error", err)
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}

		result := Result{Text: text, Final: msg.IsFinal && msg.SpeechFinal}
		select {
		case r.results <- result:
		default:
			r.logger.Warnw("results channel full, dropping transcription result")
		}
	}
}

// Stop closes the stream. Idempotent.
func (r *wsRecognizer) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	conn := r.conn
	cancel := r.cancel
	r.conn = nil
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Ask the endpoint to flush pending finals before closing.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		_ = conn.Close()
	}
	return nil
}

func (r *wsRecognizer) markStopped() {
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
}

func pcmToBytes(frame []int16) []byte {
	buf := make([]byte, len(frame)*2)
	for i, sample := range frame {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}
