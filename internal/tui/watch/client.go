package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/hookgate/internal/api"
	"github.com/mattjoyce/hookgate/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type statsMsg api.StatsResponse

type webhooksMsg []api.WebhookEventView

type retriedMsg struct{ id string }

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client talks to the admin API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(path, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(path string, resp *http.Response) error {
	var e api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s (%d)", path, e.Error, resp.StatusCode)
	}
	return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
}

// Health queries GET /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

// Stats queries GET /stats.
func (c *Client) Stats(ctx context.Context) (api.StatsResponse, error) {
	var s api.StatsResponse
	err := c.getJSON(ctx, "/stats", &s)
	return s, err
}

// Webhooks queries GET /webhooks with an optional status filter.
func (c *Client) Webhooks(ctx context.Context, status string, limit int) ([]api.WebhookEventView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/webhooks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list api.WebhookListResponse
	err := c.getJSON(ctx, path, &list)
	return list.Events, err
}

// Retry asks the gateway to reset a FAILED row.
func (c *Client) Retry(ctx context.Context, id string) error {
	path := "/webhooks/" + url.PathEscape(id) + "/retry"
	req, err := c.newRequest(ctx, http.MethodPost, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return apiError(path, resp)
	}
	return nil
}

// Stream reads the SSE /events endpoint until the connection drops or ctx
// ends, feeding every frame into ch.
func (c *Client) Stream(ctx context.Context, ch chan<- events.Event) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events")
	if err != nil {
		return err
	}
	// No client timeout: the stream is long-lived.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError("/events", resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(current.Data) > 0 {
				current.At = time.Now()
				ch <- current
			}
			current = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(line[6:])
		}
	}
	return scanner.Err()
}

// --- Commands ---

func (c *Client) subscribeCmd(ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Stream(context.Background(), ch)
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (c *Client) healthCmd() tea.Msg {
	h, err := c.Health(context.Background())
	if err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func (c *Client) statsCmd() tea.Msg {
	s, err := c.Stats(context.Background())
	if err != nil {
		return errMsg(err)
	}
	return statsMsg(s)
}

func (c *Client) webhooksCmd(status string) tea.Cmd {
	return func() tea.Msg {
		rows, err := c.Webhooks(context.Background(), status, 50)
		if err != nil {
			return errMsg(err)
		}
		return webhooksMsg(rows)
	}
}

func (c *Client) retryCmd(id string) tea.Cmd {
	return func() tea.Msg {
		if err := c.Retry(context.Background(), id); err != nil {
			return errMsg(err)
		}
		return retriedMsg{id: id}
	}
}
