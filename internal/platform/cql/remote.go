package cql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// RemoteEvaluator delegates interval evaluation to an external CQL engine
// over HTTP. The engine receives the library id, the expression's localId and
// the bound parameters and answers with the interval bounds.
type RemoteEvaluator struct {
	BaseURL string
	client  *retryablehttp.Client
}

type remoteRequest struct {
	Library    string                 `json:"library"`
	Version    string                 `json:"version,omitempty"`
	LocalID    string                 `json:"localId"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	PatientID  string                 `json:"patientId,omitempty"`
}

type remoteResponse struct {
	Low        *string `json:"low"`
	High       *string `json:"high"`
	LowClosed  bool    `json:"lowClosed"`
	HighClosed bool    `json:"highClosed"`
	Error      string  `json:"error,omitempty"`
}

// NewRemoteEvaluator creates an evaluator posting to baseURL. Transient
// failures are retried up to retries times.
func NewRemoteEvaluator(baseURL string, timeout time.Duration, retries int, logger zerolog.Logger) *RemoteEvaluator {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.HTTPClient = &http.Client{Timeout: timeout}
	rc.Logger = leveledLogger{logger: logger.With().Str("component", "cql-remote").Logger()}
	return &RemoteEvaluator{BaseURL: baseURL, client: rc}
}

// EvaluateInterval implements Evaluator.
func (r *RemoteEvaluator) EvaluateInterval(ctx context.Context, req Request) (*Interval, error) {
	if req.Expression == nil || req.Library == nil {
		return nil, fmt.Errorf("cql: remote evaluation needs a library and an expression")
	}
	if req.Expression.LocalID() == "" {
		return nil, fmt.Errorf("%w: %s has no localId", ErrUnsupportedExpression, req.Expression.Type())
	}

	body := remoteRequest{
		Library:    req.Library.ID,
		Version:    req.Library.Version,
		LocalID:    req.Expression.LocalID(),
		Parameters: encodeParameters(req.Parameters),
	}
	if id, ok := req.Patient["id"].(string); ok {
		body.PatientID = id
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cql: encode request: %w", err)
	}

	uri, err := url.JoinPath(r.BaseURL, "/evaluate/interval")
	if err != nil {
		return nil, fmt.Errorf("cql: engine url: %w", err)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("cql: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cql: engine request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cql: read engine response: %w", err)
	}
	var out remoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("cql: decode engine response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || out.Error != "" {
		return nil, fmt.Errorf("cql: engine returned %d: %s", resp.StatusCode, out.Error)
	}

	iv := &Interval{LowClosed: out.LowClosed, HighClosed: out.HighClosed}
	if out.Low != nil {
		t, err := ParseDateTime(*out.Low)
		if err != nil {
			return nil, err
		}
		iv.Low = &t
	}
	if out.High != nil {
		t, err := ParseDateTime(*out.High)
		if err != nil {
			return nil, err
		}
		iv.High = &t
	}
	return iv, nil
}

func encodeParameters(p Parameters) map[string]interface{} {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		switch t := v.(type) {
		case *Interval:
			m := map[string]interface{}{"lowClosed": t.LowClosed, "highClosed": t.HighClosed}
			if t.Low != nil {
				m["low"] = t.Start()
			}
			if t.High != nil {
				m["high"] = t.End()
			}
			out[k] = m
		case time.Time:
			out[k] = FormatTimestamp(t)
		default:
			out[k] = v
		}
	}
	return out
}

// leveledLogger routes retryablehttp's logging to zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug().Fields(kv).Msg(msg) }
