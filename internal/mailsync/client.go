package mailsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageList struct {
	Messages []json.RawMessage `json:"messages"`
}

type LogEntry struct {
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	Workflow  string         `json:"workflow,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type TaskRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type TaskCreated struct {
	TaskID string `json:"task_id"`
}

// MailClient is the request/response side of the backend.
type MailClient interface {
	ListMessages(ctx context.Context) (MessageList, error)
	ListTaskLogs(ctx context.Context, taskID string) ([]LogEntry, error)
	CreateTask(ctx context.Context, req TaskRequest) (TaskCreated, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListMessages(ctx context.Context) (MessageList, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/messages", nil, &raw, true); err != nil {
		return MessageList{}, err
	}
	var out MessageList
	if err := json.Unmarshal(raw, &out); err != nil {
		return MessageList{}, fmt.Errorf("decode message list: %w", err)
	}
	if out.Messages == nil {
		return MessageList{}, fmt.Errorf("decode message list: missing messages field")
	}
	return out, nil
}

func (c *HTTPClient) ListTaskLogs(ctx context.Context, taskID string) ([]LogEntry, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, ErrInvalidInput
	}
	var out []LogEntry
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/tasks/%s/logs", url.PathEscape(taskID)), nil, &out, true); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].TaskID == "" {
			out[i].TaskID = taskID
		}
	}
	return out, nil
}

// CreateTask posts once. Failures are wrapped in *CreationError and never
// retried.
func (c *HTTPClient) CreateTask(ctx context.Context, req TaskRequest) (TaskCreated, error) {
	if strings.TrimSpace(req.Type) == "" {
		return TaskCreated{}, &CreationError{Err: fmt.Errorf("%w: task type is required", ErrInvalidInput)}
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	var out TaskCreated
	if err := c.doJSON(ctx, http.MethodPost, "/task", req, &out, false); err != nil {
		return TaskCreated{}, &CreationError{Err: err}
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return TaskCreated{}, &CreationError{Err: fmt.Errorf("response is missing task_id")}
	}
	return out, nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
	retry bool,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := c.maxRetries
	if !retry {
		maxRetries = 0
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			if len(bytes.TrimSpace(payloadBytes)) == 0 {
				return fmt.Errorf("empty response body")
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = errPayload.Detail
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "relaymail_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
