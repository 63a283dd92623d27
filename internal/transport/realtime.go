package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/internal/media"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

const (
	eventChannelLabel = "oai-events"

	rtpBufferSize        = 1500 // max RTP packet size (MTU)
	maxConsecutiveErrors = 50   // max read errors before stopping the sink pump
)

// Config holds the per-deployment transport parameters.
type Config struct {
	Model        string
	Voice        string
	Instructions string
	ICEServers   []webrtc.ICEServer
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
	}
}

// RealtimeTransport owns the peer media connection and the out-of-band event
// channel of a realtime call. It translates upstream protocol events into
// normalized call events and exposes the state machine
// idle > connecting > listening <> speaking > interrupted > ended, with
// terminal error reachable from any non-terminal state.
type RealtimeTransport struct {
	mu sync.Mutex

	logger     commons.Logger
	config     *Config
	mic        media.Microphone
	sink       media.AudioSink
	negotiator Negotiator
	emit       call.EventSink

	sessionID string
	status    call.Status
	closed    bool

	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	capture media.CaptureStream
	gate    *sinkGate
	handles *call.MediaHandles

	// Per-direction transcript accumulators. The transport is the sole
	// writer; readers get snapshots via UserTranscript/AgentTranscript.
	userTranscript  *call.TranscriptBuffer
	agentTranscript *call.TranscriptBuffer

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpWg     sync.WaitGroup
}

// sinkGate is the per-call write path to the shared audio sink. Teardown
// closes the gate, never the sink itself: the sink is owned by the
// transport's creator and must stay usable for the next call.
type sinkGate struct {
	mu     sync.Mutex
	closed bool
	sink   media.AudioSink
}

func (g *sinkGate) WritePCM(pcm []int16) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil
	}
	return g.sink.WritePCM(pcm)
}

func (g *sinkGate) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

// NewRealtimeTransport creates an idle transport. Connect drives it. The
// sink is shared across calls: each call writes through its own gate, and
// per-call teardown detaches the gate without closing the sink.
func NewRealtimeTransport(
	logger commons.Logger,
	config *Config,
	mic media.Microphone,
	sink media.AudioSink,
	negotiator Negotiator,
	emit call.EventSink,
) *RealtimeTransport {
	if config == nil {
		config = DefaultConfig()
	}
	return &RealtimeTransport{
		logger:          logger,
		config:          config,
		mic:             mic,
		sink:            sink,
		negotiator:      negotiator,
		emit:            emit,
		sessionID:       uuid.New().String(),
		status:          call.StatusIdle,
		userTranscript:  call.NewTranscriptBuffer(call.SpeakerUser),
		agentTranscript: call.NewTranscriptBuffer(call.SpeakerAgent),
	}
}

// Status returns the transport state.
func (t *RealtimeTransport) Status() call.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// UserTranscript returns the live user-side transcript text.
func (t *RealtimeTransport) UserTranscript() string { return t.userTranscript.Text() }

// AgentTranscript returns the live agent-side transcript text.
func (t *RealtimeTransport) AgentTranscript() string { return t.agentTranscript.Text() }

// ============================================================================
// Connect
// ============================================================================

// Connect acquires the microphone, establishes the peer connection and event
// channel, performs the offer/answer exchange, and registers every acquired
// resource into handles in teardown order. It blocks until the session is
// negotiated or fails; ending the call mid-connect is safe because late-registered
// resources are released immediately by the handle bundle.
func (t *RealtimeTransport) Connect(ctx context.Context, handles *call.MediaHandles) error {
	t.mu.Lock()
	if t.status == call.StatusConnecting {
		t.mu.Unlock()
		return fmt.Errorf("transport already connecting")
	}
	if t.pc != nil && !t.closed {
		t.mu.Unlock()
		return call.ErrCallActive
	}
	// Fresh attempt: the transport is reusable after Close.
	t.closed = false
	t.pc = nil
	t.dc = nil
	t.capture = nil
	t.gate = &sinkGate{sink: t.sink}
	t.status = call.StatusConnecting
	t.handles = handles
	t.userTranscript.Reset()
	t.agentTranscript.Reset()
	t.pumpCtx, t.pumpCancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	t.emit(call.Event{Kind: call.EventConnecting})

	capture, err := t.mic.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.setStatus(call.StatusEnded)
			return err
		}
		t.setStatus(call.StatusError)
		return fmt.Errorf("%w: %v", call.ErrPermissionDenied, err)
	}

	pc, err := t.createPeerConnection()
	if err != nil {
		_ = capture.Close()
		t.setStatus(call.StatusError)
		return fmt.Errorf("%w: %v", call.ErrConnectionFailed, err)
	}

	cleanup := func() {
		_ = pc.Close()
		_ = capture.Close()
	}

	if _, err := pc.AddTrack(capture.Track()); err != nil {
		cleanup()
		t.setStatus(call.StatusError)
		return fmt.Errorf("%w: failed to add local track: %v", call.ErrConnectionFailed, err)
	}

	dc, err := pc.CreateDataChannel(eventChannelLabel, nil)
	if err != nil {
		cleanup()
		t.setStatus(call.StatusError)
		return fmt.Errorf("%w: failed to create event channel: %v", call.ErrConnectionFailed, err)
	}
	t.setupEventChannel(dc)
	t.setupPeerHandlers(pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		cleanup()
		t.setStatus(call.StatusError)
		return fmt.Errorf("%w: failed to create offer: %v", call.ErrConnectionFailed, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		cleanup()
		t.setStatus(call.StatusError)
		return fmt.Errorf("%w: failed to set local description: %v", call.ErrConnectionFailed, err)
	}

	// Wait for ICE gathering so the offer carries every candidate; the
	// upstream exchange is one-shot with no trickle path.
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		cleanup()
		t.setStatus(call.StatusEnded)
		return ctx.Err()
	}

	local := pc.LocalDescription()
	answer, err := t.negotiator.Negotiate(ctx, Offer{
		SDP:          local.SDP,
		Model:        t.config.Model,
		Voice:        t.config.Voice,
		Instructions: t.config.Instructions,
	})
	if err != nil {
		cleanup()
		t.setStatus(call.StatusError)
		return err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		cleanup()
		t.setStatus(call.StatusError)
		return fmt.Errorf("%w: failed to apply answer: %v", call.ErrConnectionFailed, err)
	}

	t.mu.Lock()
	t.pc = pc
	t.dc = dc
	t.capture = capture
	t.mu.Unlock()

	// Teardown order is fixed: event channel, peer connection (handlers
	// detached first), local media tracks, remote audio sink. Each step is
	// guarded by the handle bundle so one failure does not skip the rest.
	handles.Register("event channel", dc.Close)
	handles.Register("peer connection", func() error {
		pc.OnTrack(nil)
		pc.OnConnectionStateChange(nil)
		pc.OnICECandidate(nil)
		return pc.Close()
	})
	handles.Register("local media tracks", capture.Close)
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	handles.Register("remote audio sink", gate.Close)

	if callID := answer.CallID; callID != nil {
		t.logger.Infow("realtime session established", "session", t.sessionID, "upstreamCall", *callID)
	} else {
		t.logger.Infow("realtime session established", "session", t.sessionID)
	}
	return nil
}

func (t *RealtimeTransport) createPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: media.SampleRate,
			Channels:  media.OpusRTPChannels,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: t.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// ============================================================================
// Peer / channel handlers
// ============================================================================

func (t *RealtimeTransport) setupPeerHandlers(pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Infow("peer connection state changed", "state", state.String(), "session", t.sessionID)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.transition(call.StatusListening)
		case webrtc.PeerConnectionStateFailed:
			t.failWith("peer connection failed")
		case webrtc.PeerConnectionStateClosed:
			// Explicit disconnect or terminal closed state.
			t.endWith()
		case webrtc.PeerConnectionStateDisconnected:
			// Transient loss; recovery is a new call, so surface as ended.
			t.endWith()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.logger.Infow("remote audio track received", "codec", track.Codec().MimeType)
		t.pumpWg.Add(1)
		go t.runSinkPump(track)
	})
}

func (t *RealtimeTransport) setupEventChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		payload, err := encodeSessionUpdate(t.config.Voice, t.config.Instructions)
		if err != nil {
			t.logger.Errorw("failed to encode session update", "error", err)
			return
		}
		if err := dc.Send(payload); err != nil {
			t.logger.Warnw("failed to send session update", "error", err)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handleChannelMessage(msg.Data)
	})
}

// handleChannelMessage decodes one inbound event. A malformed event is
// logged and dropped; the session continues.
func (t *RealtimeTransport) handleChannelMessage(data []byte) {
	ev, err := decodeWireEvent(data)
	if err != nil {
		t.logger.Warnw("dropping malformed channel event", "error", err)
		return
	}
	t.handleWireEvent(ev)
}

// handleWireEvent applies one decoded upstream event to the transport state
// machine and transcript buffers, then forwards the normalized event.
func (t *RealtimeTransport) handleWireEvent(ev *wireEvent) {
	switch ev.Type {
	case wireSpeechStarted:
		t.transition(call.StatusListening)
	case wireOutputAudioStarted, wireResponseAudioDelta:
		t.transition(call.StatusSpeaking)
	case wireOutputAudioStopped, wireResponseAudioDone:
		t.transition(call.StatusListening)
		t.agentTranscript.Reset()
	case wireInputTranscriptDelta:
		t.userTranscript.Append(ev.Delta)
	case wireInputTranscriptDone:
		t.userTranscript.Finalize(ev.Transcript)
	case wireOutputTranscriptDelta:
		t.agentTranscript.Append(ev.Delta)
	case wireOutputTranscriptDone:
		t.agentTranscript.Finalize(ev.Transcript)
		if ev.Truncated {
			// Stays interrupted until an explicit follow-up signal or
			// caller action.
			t.transition(call.StatusInterrupted)
		}
	case wireError:
		msg := "upstream error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		t.logger.Errorw("upstream channel error", "session", t.sessionID, "message", msg)
	}

	if normalized, ok := normalize(ev); ok {
		// Transcript final events carry the authoritative buffer text.
		switch normalized.Kind {
		case call.EventUserTranscriptFinal:
			normalized.Text = t.userTranscript.Text()
			t.userTranscript.Reset()
		case call.EventAgentTranscriptFinal:
			normalized.Text = t.agentTranscript.Text()
			t.agentTranscript.Reset()
		}
		t.emit(normalized)
	}
}

// runSinkPump reads the remote track, decodes Opus to PCM, and feeds the
// remote audio sink until the track ends or the transport closes.
func (t *RealtimeTransport) runSinkPump(track *webrtc.TrackRemote) {
	defer t.pumpWg.Done()

	t.mu.Lock()
	pumpCtx := t.pumpCtx
	gate := t.gate
	t.mu.Unlock()
	if pumpCtx == nil || gate == nil {
		return
	}

	if track.Codec().MimeType != webrtc.MimeTypeOpus {
		t.logger.Errorw("unsupported remote codec, only Opus is supported", "codec", track.Codec().MimeType)
		return
	}
	decoder, err := media.NewOpusDecoder()
	if err != nil {
		t.logger.Errorw("failed to create Opus decoder", "error", err)
		return
	}

	buf := make([]byte, rtpBufferSize)
	consecutiveErrors := 0
	for {
		select {
		case <-pumpCtx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				t.logger.Errorw("too many consecutive track read errors, stopping sink pump", "lastError", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Debugw("failed to unmarshal RTP packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := decoder.Decode(pkt.Payload)
		if err != nil {
			t.logger.Debugw("opus decode failed", "error", err, "payloadSize", len(pkt.Payload))
			continue
		}
		if err := gate.WritePCM(pcm); err != nil {
			t.logger.Debugw("sink write failed", "error", err)
		}
	}
}

// ============================================================================
// State machine
// ============================================================================

// transition moves between non-terminal states and forwards nothing itself;
// normalized events are emitted by handleWireEvent / the state handlers.
func (t *RealtimeTransport) transition(status call.Status) {
	t.mu.Lock()
	if t.closed || t.status == call.StatusError || t.status == call.StatusEnded {
		t.mu.Unlock()
		return
	}
	if t.status == status {
		t.mu.Unlock()
		return
	}
	t.status = status
	t.mu.Unlock()
	t.logger.Debugw("transport state changed", "session", t.sessionID, "state", status)
}

func (t *RealtimeTransport) setStatus(status call.Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

func (t *RealtimeTransport) failWith(message string) {
	t.mu.Lock()
	if t.closed || t.status == call.StatusError || t.status == call.StatusEnded {
		t.mu.Unlock()
		return
	}
	t.status = call.StatusError
	t.mu.Unlock()
	t.emit(call.Event{Kind: call.EventError, Message: message})
}

func (t *RealtimeTransport) endWith() {
	t.mu.Lock()
	if t.closed || t.status == call.StatusError || t.status == call.StatusEnded {
		t.mu.Unlock()
		return
	}
	t.status = call.StatusEnded
	t.mu.Unlock()
	t.emit(call.Event{Kind: call.EventEnded})
}

// ============================================================================
// Interruption and teardown
// ============================================================================

// Interrupt asks upstream to cancel the in-progress response. A closed or
// absent event channel makes this a no-op, not an error.
func (t *RealtimeTransport) Interrupt() error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	if err := dc.Send(encodeResponseCancel()); err != nil {
		return fmt.Errorf("failed to send cancel instruction: %w", err)
	}
	t.logger.Debugw("cancel instruction sent", "session", t.sessionID)
	return nil
}

// Close tears the transport down. Idempotent, safe to call multiple times
// or mid-negotiation. Resource release is delegated to the handle bundle,
// which runs every registered step exactly once.
func (t *RealtimeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.status != call.StatusError {
		t.status = call.StatusEnded
	}
	handles := t.handles
	cancel := t.pumpCancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.pumpWg.Wait()
	if handles != nil {
		handles.Release(t.logger)
	}
	t.logger.Infow("transport closed", "session", t.sessionID)
	return nil
}
