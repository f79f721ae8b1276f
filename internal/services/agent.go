package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/conversation"
)

// Agent is the HTTP client of the remote legal assistant. A request is a form-encoded POST and the response
// body is a stream of concatenated JSON objects, which Agent hands back verbatim as raw text chunks. Splitting
// the body into objects is left to the stream package, since chunk boundaries fall anywhere in the payload.
type Agent struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

const (
	agentReadBufferSize = 4096
	errorBodyLimit      = 4096
)

// NewAgent creates an Agent posting to endpoint. A positive timeout bounds how long Agent waits for the
// response headers; the body itself streams for as long as the agent keeps writing, and is only bounded by
// the caller's context.
func NewAgent(endpoint string, timeout time.Duration, logger *slog.Logger) Agent {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		tr.ResponseHeaderTimeout = timeout
	}

	return Agent{
		endpoint: endpoint,
		client:   &http.Client{Transport: tr},
		logger:   logger.With(slog.String("module", "agent")),
	}
}

// Stream submits req to the agent and yields the response body chunk by chunk, in arrival order. A non-OK
// status is yielded as an error carrying the status code and the beginning of the body. When ctx is
// cancelled the sequence ends without an error, so callers must check ctx themselves to tell a cancelled
// turn from one the agent finished.
func (a Agent) Stream(ctx context.Context, req conversation.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		form := url.Values{}
		form.Set("message", req.Message)
		form.Set("stream", "true")
		form.Set("session_id", req.SessionID)
		form.Set("user_id", req.UserID)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		a.logger.Debug("Sending request",
			slog.String("sessionID", req.SessionID),
			slog.String("userID", req.UserID))

		resp, err := a.client.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			yield("", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
			return
		}

		buf := make([]byte, agentReadBufferSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if !yield(string(buf[:n]), nil) {
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
		}
	}
}
