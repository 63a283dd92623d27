package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// Offer is the local session description plus the requested session
// parameters.
type Offer struct {
	SDP          string `json:"sdp"`
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Answer is the negotiated remote session description and the opaque
// upstream call identifier (empty when the upstream did not assign one).
type Answer struct {
	SDP    string  `json:"sdp"`
	CallID *string `json:"callId"`
	Model  string  `json:"model"`
	Voice  string  `json:"voice"`
}

type negotiateError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Negotiator brokers the one-shot offer/answer exchange for a realtime
// session. Implementations hold no per-session state.
type Negotiator interface {
	Negotiate(ctx context.Context, offer Offer) (*Answer, error)
}

type httpNegotiator struct {
	logger commons.Logger
	client *resty.Client
}

// NewHTTPNegotiator talks to the gateway's POST /realtime/session
// endpoint. Single attempt, no retry; a failed negotiation means a new call.
func NewHTTPNegotiator(logger commons.Logger, baseURL string) Negotiator {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second)
	return &httpNegotiator{logger: logger, client: client}
}

func (n *httpNegotiator) Negotiate(ctx context.Context, offer Offer) (*Answer, error) {
	var answer Answer
	var failure negotiateError

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(offer).
		SetResult(&answer).
		SetError(&failure).
		Post("/realtime/session")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", call.ErrNegotiationFailed, err)
	}
	if resp.StatusCode() != http.StatusOK {
		msg := failure.Error
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("%w: %s", call.ErrNegotiationFailed, msg)
	}
	if answer.SDP == "" {
		return nil, fmt.Errorf("%w: empty answer from negotiator", call.ErrNegotiationFailed)
	}

	n.logger.Debugw("session negotiated", "model", answer.Model, "voice", answer.Voice)
	return &answer, nil
}
