package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/scanq/internal/api"
	"github.com/mattjoyce/scanq/internal/events"
	"github.com/mattjoyce/scanq/internal/scheduler"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type queueMsg api.QueueResponse

type settingsMsg scheduler.SettingsSnapshot

type tickMsg time.Time

// errMsg reports a failed request. Only a failed health poll schedules the
// next one, so errors elsewhere do not multiply the polling.
type errMsg struct {
	err    error
	health bool
}

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// client talks to the admin API with a bearer token.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *client) request(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := c.request(context.Background(), http.MethodGet, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("GET %s: %s", path, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Commands ---

func (c *client) fetchHealth() tea.Msg {
	var h api.HealthzResponse
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg{err: err, health: true}
	}
	return healthMsg(h)
}

func (c *client) fetchQueue() tea.Msg {
	var q api.QueueResponse
	if err := c.getJSON("/queue", &q); err != nil {
		return errMsg{err: err}
	}
	return queueMsg(q)
}

func (c *client) fetchSettings() tea.Msg {
	var s scheduler.SettingsSnapshot
	if err := c.getJSON("/settings", &s); err != nil {
		return errMsg{err: err}
	}
	return settingsMsg(s)
}

// subscribe reads /events until the connection drops, feeding ch. It
// resumes from lastID so a reconnect replays what was missed.
func (c *client) subscribe(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.request(context.Background(), http.MethodGet, "/events")
		if err != nil {
			return errMsg{err: err}
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		// The stream is long-lived; no client timeout.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{err: fmt.Errorf("GET /events: %s", resp.Status)}
		}

		readSSE(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

func readSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Type != "" {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = []byte(line[6:])
		}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}
