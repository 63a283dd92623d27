package chat

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

const requestTimeout = 60 * time.Second

// Config holds the chat backend connection parameters.
type Config struct {
	BaseURL string
	APIKey  string
}

// Client carries finished utterances to the chat backend and tracks the
// synthesized audio of the latest reply. One client is one conversation;
// Reset starts a new one.
type Client struct {
	logger commons.Logger
	client *resty.Client

	mu             sync.Mutex
	conversationID string
	lastAudioURL   string
	hasAudio       bool
}

// NewClient creates a client with a fresh conversation.
func NewClient(logger commons.Logger, cfg Config) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(requestTimeout)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &Client{
		logger:         logger,
		client:         client,
		conversationID: uuid.New().String(),
	}
}

type messageRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

type messageResponse struct {
	ID       string `json:"id"`
	Reply    string `json:"reply"`
	AudioURL string `json:"audioUrl"`
}

type chatError struct {
	Error string `json:"error"`
}

// SubmitMessage sends one utterance and blocks until the reply is
// generated. The reply's synthesized audio, if any, becomes the latest
// playable reply.
func (c *Client) SubmitMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	conversationID := c.conversationID
	c.hasAudio = false
	c.lastAudioURL = ""
	c.mu.Unlock()

	var reply messageResponse
	var failure chatError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(messageRequest{ConversationID: conversationID, Text: text}).
		SetResult(&reply).
		SetError(&failure).
		Post("/v1/chat/messages")
	if err != nil {
		return fmt.Errorf("failed to submit message: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		msg := failure.Error
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("chat backend rejected message: %s", msg)
	}

	c.mu.Lock()
	if reply.AudioURL != "" {
		c.lastAudioURL = reply.AudioURL
		c.hasAudio = true
	}
	c.mu.Unlock()

	c.logger.Debugw("reply received", "message", reply.ID, "hasAudio", reply.AudioURL != "")
	return nil
}

// StopGeneration cancels the in-flight reply for this conversation. Safe to
// call when nothing is generating.
func (c *Client) StopGeneration(ctx context.Context) error {
	c.mu.Lock()
	conversationID := c.conversationID
	c.mu.Unlock()

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"conversationId": conversationID}).
		Post("/v1/chat/stop")
	if err != nil {
		return fmt.Errorf("failed to stop generation: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("chat backend refused stop: %s", resp.Status())
	}
	return nil
}

// LatestReplyAudio returns the synthesized audio URL of the most recent
// reply, if one exists.
func (c *Client) LatestReplyAudio() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAudioURL, c.hasAudio
}

// Reset abandons the conversation and starts a new one.
func (c *Client) Reset() {
	c.mu.Lock()
	c.conversationID = uuid.New().String()
	c.lastAudioURL = ""
	c.hasAudio = false
	c.mu.Unlock()
}
