package domain

import (
	"encoding/json"
	"fmt"
)

// EngagementRequest is the decisioning request body.
type EngagementRequest struct {
	UserID         string  `json:"userID"`
	DecisionPoint  string  `json:"decisionPoint"`
	SessionID      string  `json:"sessionID"`
	Version        string  `json:"version"`
	SDKVersion     string  `json:"sdkVersion"`
	Platform       string  `json:"platform"`
	TimezoneOffset string  `json:"timezoneOffset"`
	Locale         string  `json:"locale,omitempty"`
	Parameters     *Params `json:"parameters,omitempty"`
}

// Marshal encodes the request, reporting failures as ErrSerialization.
func (r *EngagementRequest) Marshal() ([]byte, error) {
	if r.Parameters != nil && r.Parameters.Len() == 0 {
		r.Parameters = nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

// ResultSource tells where an engagement result came from.
type ResultSource string

const (
	SourceFresh  ResultSource = "fresh"
	SourceCached ResultSource = "cached"
	SourceEmpty  ResultSource = "empty"
)

// EngagementResult is delivered exactly once per engagement request.
type EngagementResult struct {
	DecisionPoint string
	Source        ResultSource
	// Raw is the response body as received (or as cached). Nil for SourceEmpty.
	Raw json.RawMessage
	// Response is Raw decoded as a JSON object.
	Response map[string]any
	// Err explains why the result is cached or empty; nil for fresh results.
	Err error
}

// Empty reports whether the result carries no decision data.
func (r EngagementResult) Empty() bool {
	return r.Source == SourceEmpty
}

// UserIDResponse is the body returned by the user id issuance endpoint.
type UserIDResponse struct {
	UserID string `json:"userID"`
}
