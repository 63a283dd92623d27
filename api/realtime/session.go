package realtime_api

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"

	"github.com/voxbridge-ai/voxbridge/config"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// maxUpstreamErrorBytes caps how much of an unparseable upstream error body
// is echoed back to the client.
const maxUpstreamErrorBytes = 512

const upstreamTimeout = 15 * time.Second

// SessionRequest is the client's offer plus optional session overrides.
type SessionRequest struct {
	SDP          string `json:"sdp" binding:"required"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// SessionResponse is the negotiated answer.
type SessionResponse struct {
	SDP    string  `json:"sdp"`
	CallID *string `json:"callId"`
	Model  string  `json:"model"`
	Voice  string  `json:"voice"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// upstreamFault covers both error body shapes the upstream uses: a flat
// string and a nested object carrying a message.
type upstreamFault struct {
	Error json.RawMessage `json:"error"`
}

// SessionApi brokers one-shot SDP exchanges with the upstream realtime
// endpoint. The server-held API key never reaches the client.
type SessionApi struct {
	cfg    *config.AppConfig
	logger commons.Logger
	client *resty.Client
}

func New(cfg *config.AppConfig, logger commons.Logger) *SessionApi {
	client := resty.New().
		SetBaseURL(cfg.RealtimeConfig.BaseURL).
		SetTimeout(upstreamTimeout)
	return &SessionApi{cfg: cfg, logger: logger, client: client}
}

// CreateSession proxies the client's SDP offer to the upstream realtime
// endpoint and returns its answer. Stateless: nothing about the session is
// retained after the response.
func (a *SessionApi) CreateSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SDP) == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "sdp is required"})
		return
	}

	if !a.cfg.RealtimeConfig.Enabled {
		c.JSON(http.StatusForbidden, errorResponse{Error: "realtime voice is not enabled"})
		return
	}
	if a.cfg.RealtimeConfig.APIKey == "" {
		a.logger.Error("realtime session requested but no upstream API key is configured")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "realtime voice is not configured"})
		return
	}

	model := req.Model
	if model == "" {
		model = a.cfg.RealtimeConfig.Model
	}
	voice := req.Voice
	if voice == "" {
		voice = a.cfg.RealtimeConfig.Voice
	}

	resp, err := a.client.R().
		SetContext(c.Request.Context()).
		SetHeader("Authorization", "Bearer "+a.cfg.RealtimeConfig.APIKey).
		SetHeader("Content-Type", "application/sdp").
		SetQueryParam("model", model).
		SetBody(req.SDP).
		Post("/v1/realtime")
	if err != nil {
		a.logger.Errorw("upstream negotiation failed", "error", err)
		c.JSON(http.StatusBadGateway, errorResponse{Error: "failed to reach realtime upstream"})
		return
	}

	// Upstream rejections are relayed as-is: the status code is mirrored and
	// the parsed upstream message becomes the error.
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		if message := upstreamErrorMessage(resp.Body()); message != "" {
			a.logger.Errorw("upstream rejected negotiation", "status", resp.StatusCode(), "error", message)
			c.JSON(resp.StatusCode(), errorResponse{Error: message})
			return
		}
		details := truncateBody(resp.Body())
		a.logger.Errorw("upstream rejected negotiation", "status", resp.StatusCode(), "details", details)
		c.JSON(resp.StatusCode(), errorResponse{
			Error:   "realtime upstream rejected the session",
			Details: details,
		})
		return
	}

	answer := SessionResponse{
		SDP:   string(resp.Body()),
		Model: model,
		Voice: voice,
	}
	// The upstream assigns the call an identifier via the Location header.
	if location := resp.Header().Get("Location"); location != "" {
		callID := path.Base(location)
		answer.CallID = &callID
	}

	a.logger.Infow("realtime session negotiated", "model", model, "voice", voice)
	c.JSON(http.StatusOK, answer)
}

// upstreamErrorMessage extracts the upstream error message, or "" when the
// body matches neither known shape.
func upstreamErrorMessage(body []byte) string {
	var fault upstreamFault
	if err := json.Unmarshal(body, &fault); err != nil || len(fault.Error) == 0 {
		return ""
	}
	var flat string
	if err := json.Unmarshal(fault.Error, &flat); err == nil {
		return flat
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(fault.Error, &nested); err == nil {
		return nested.Message
	}
	return ""
}

// truncateBody caps the raw body echoed back for unparseable upstream
// errors.
func truncateBody(body []byte) string {
	if len(body) > maxUpstreamErrorBytes {
		body = body[:maxUpstreamErrorBytes]
	}
	return strings.TrimSpace(string(body))
}
