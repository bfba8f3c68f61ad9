package model

import (
	"time"

	"github.com/ggonzalez94/routex/internal/route"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
}

// RouteSummary is the one-line view of a stored route used by list output.
type RouteSummary struct {
	ID          string       `json:"id"`
	Status      route.Status `json:"status"`
	FromChainID int64        `json:"from_chain_id"`
	ToChainID   int64        `json:"to_chain_id"`
	FromToken   string       `json:"from_token"`
	ToToken     string       `json:"to_token"`
	FromAmount  string       `json:"from_amount"`
	ToAmount    string       `json:"to_amount"`
	Steps       int          `json:"steps"`
}

func SummarizeRoute(r route.Route) RouteSummary {
	return RouteSummary{
		ID:          r.ID,
		Status:      r.Status(),
		FromChainID: r.FromChainID,
		ToChainID:   r.ToChainID,
		FromToken:   r.FromToken.Symbol,
		ToToken:     r.ToToken.Symbol,
		FromAmount:  r.FromAmount,
		ToAmount:    r.ToAmount,
		Steps:       len(r.Steps),
	}
}
