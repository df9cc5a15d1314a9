package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/store"
	"github.com/anthill/anthill/internal/transcript"
)

// apiClient is a small JSON client for the daemon's HTTP API. The CLI only
// reads; mutation goes through whatever drives the API programmatically.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

func newClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		token: token,
	}
}

// clientForConfig derives the daemon's address from the configuration. A
// wildcard bind address is dialed via loopback.
func clientForConfig(cfg *config.Config) *apiClient {
	host := cfg.BindAddress
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	return newClient("http://"+addr, cfg.Auth.Token)
}

// healthInfo mirrors the /api/v1/health response.
type healthInfo struct {
	Uptime       int64  `json:"uptime"`
	Projects     int    `json:"projects"`
	Agents       int    `json:"agents"`
	MuxAvailable bool   `json:"muxAvailable"`
	Version      string `json:"version"`
}

func (c *apiClient) Health(ctx context.Context) (*healthInfo, error) {
	var h healthInfo
	if err := c.get(ctx, "/api/v1/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *apiClient) ListProjects(ctx context.Context) ([]store.Project, error) {
	var out struct {
		Projects []store.Project `json:"projects"`
	}
	if err := c.get(ctx, "/api/v1/projects", &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

func (c *apiClient) ListAgents(ctx context.Context, project string) ([]store.Agent, error) {
	var out struct {
		Agents []store.Agent `json:"agents"`
	}
	path := "/api/v1/projects/" + url.PathEscape(project) + "/agents"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Messages fetches the agent's transcript records. The returned count is the
// number of transcript lines the daemon could not parse.
func (c *apiClient) Messages(ctx context.Context, project, agent string, limit int, role string) ([]transcript.Message, int, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/agents/%s/messages",
		url.PathEscape(project), url.PathEscape(agent))
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if role != "" {
		q.Set("role", role)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Messages        []transcript.Message `json:"messages"`
		ParseErrorCount int                  `json:"parseErrorCount"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, 0, err
	}
	return out.Messages, out.ParseErrorCount, nil
}

func (c *apiClient) LastMessage(ctx context.Context, project, agent string) (*transcript.Message, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/agents/%s/messages/last",
		url.PathEscape(project), url.PathEscape(agent))

	var out struct {
		Message *transcript.Message `json:"message"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Code    string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("API error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// printJSON writes v to stdout as indented JSON, for --json flags.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
