package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/dagflow"
)

// HTTPResponse is the output of an http job.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	JSON       any               `json:"json,omitempty"`
}

// HTTPJob performs one HTTP request. Transport errors and 5xx responses are
// retryable; other non-2xx responses fail terminally.
type HTTPJob struct {
	client  *http.Client
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	JSON    any
	Timeout time.Duration
}

func newHTTPJob(client *http.Client) dagflow.Constructor {
	return func(params map[string]any) (dagflow.Performer, error) {
		url, _, err := stringParam(params, "url")
		if err != nil {
			return nil, err
		}
		if url == "" {
			return nil, errors.New("url cannot be empty")
		}
		method, _, err := stringParam(params, "method")
		if err != nil {
			return nil, err
		}
		if method == "" {
			method = http.MethodGet
		}
		body, _, err := stringParam(params, "body")
		if err != nil {
			return nil, err
		}
		timeout, ok, err := durationParam(params, "timeout")
		if err != nil {
			return nil, err
		}
		if !ok || timeout <= 0 {
			timeout = 30 * time.Second
		}
		headers := map[string]string{}
		if raw, ok := params["headers"].(map[string]any); ok {
			for k, v := range raw {
				headers[k] = fmt.Sprint(v)
			}
		}
		return &HTTPJob{
			client:  client,
			URL:     url,
			Method:  strings.ToUpper(method),
			Headers: headers,
			Body:    body,
			JSON:    params["json"],
			Timeout: timeout,
		}, nil
	}
}

func (h *HTTPJob) Perform(ctx context.Context, job *dagflow.Job) dagflow.Result {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if h.JSON != nil {
		data, err := json.Marshal(h.JSON)
		if err != nil {
			return dagflow.FailedTerminal(fmt.Sprintf("failed to marshal json body: %v", err))
		}
		bodyReader = bytes.NewReader(data)
	} else if h.Body != "" {
		bodyReader = strings.NewReader(h.Body)
	}

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, bodyReader)
	if err != nil {
		return dagflow.FailedTerminal(fmt.Sprintf("failed to create request: %v", err))
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	if h.JSON != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return dagflow.FailedRetryable(fmt.Sprintf("failed to make request: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return dagflow.FailedRetryable(fmt.Sprintf("failed to read response body: %v", err))
	}

	out := HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       string(data),
	}
	for k, values := range resp.Header {
		if len(values) > 0 {
			out.Headers[k] = values[0]
		}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			out.JSON = decoded
		}
	}

	switch {
	case resp.StatusCode >= 500:
		return dagflow.FailedRetryable(fmt.Sprintf("%s %s: %s", h.Method, h.URL, resp.Status))
	case resp.StatusCode >= 300:
		return dagflow.FailedTerminal(fmt.Sprintf("%s %s: %s", h.Method, h.URL, resp.Status))
	}
	return dagflow.Succeeded(out)
}
