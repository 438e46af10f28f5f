package enclavasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Enclava HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

// Agent is a dataset record and the agent bound to it.
type Agent struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Price        string  `json:"price"`
	OwnerAddress string  `json:"owner_address"`
	Category     string  `json:"category"`
	DatasetSize  int64   `json:"dataset_size"`
	Status       string  `json:"status"`
	NFTID        *int64  `json:"nft_id,omitempty"`
	NFTTx        *string `json:"nft_tx,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type AgentFilter struct {
	Search    string
	Category  string
	Status    string
	SortBy    string
	SortOrder string
}

type Stats struct {
	TotalCount     int64  `json:"total_count"`
	TotalPrice     string `json:"total_price"`
	TotalSize      int64  `json:"total_size"`
	TotalSizeHuman string `json:"total_size_human"`
}

type Profile struct {
	Address string  `json:"address"`
	Agents  []Agent `json:"agents"`
}

type Answer struct {
	AgentID  int64  `json:"agent_id"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Upload describes a dataset upload.
type Upload struct {
	FileName    string
	Data        []byte
	UserAddress string
	Price       string
	Description string
	Name        string
	Category    string
}

type UploadResult struct {
	Agent Agent `json:"agent"`
	Rows  int   `json:"rows"`
}

type Details struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type BackfillResult struct {
	Logs    int `json:"logs"`
	Minted  int `json:"minted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Agents lists agents matching f.
func (c *Client) Agents(ctx context.Context, f AgentFilter) ([]Agent, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"search":     f.Search,
		"category":   f.Category,
		"status":     f.Status,
		"sort_by":    f.SortBy,
		"sort_order": f.SortOrder,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	endpoint := "agents"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Agent(ctx context.Context, id int64) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agents/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "datasets/stats", nil, &resp)
	return resp, err
}

// Profile returns the datasets uploaded by address.
func (c *Client) Profile(ctx context.Context, address string) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%s/profile", url.PathEscape(address)), nil, &resp)
	return resp, err
}

// RouteAgents asks which agents can answer prompt.
func (c *Client) RouteAgents(ctx context.Context, prompt string) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "chat/agents", map[string]any{"prompt": prompt}, &resp)
	return resp.Items, err
}

// Answer prompts the given agents, paid for by txHash.
func (c *Client) Answer(ctx context.Context, agentIDs []int64, prompt, txHash string) ([]Answer, error) {
	body := map[string]any{
		"agent_ids": agentIDs,
		"prompt":    prompt,
		"tx_hash":   txHash,
	}
	var resp struct {
		Responses []Answer `json:"responses"`
	}
	err := c.do(ctx, http.MethodPost, "chat/agents/answer", body, &resp)
	return resp.Responses, err
}

func (c *Client) UploadDataset(ctx context.Context, u Upload) (UploadResult, error) {
	var resp UploadResult
	err := c.doMultipart(ctx, "dataset/upload", u.FileName, u.Data, map[string]string{
		"user_address":  u.UserAddress,
		"dataset_price": u.Price,
		"description":   u.Description,
		"name":          u.Name,
		"category":      u.Category,
	}, &resp)
	return resp, err
}

// GenerateDetails asks the service to describe a CSV file.
func (c *Client) GenerateDetails(ctx context.Context, fileName string, data []byte) (Details, error) {
	var resp Details
	err := c.doMultipart(ctx, "dataset/details/generate", fileName, data, nil, &resp)
	return resp, err
}

// Backfill reconciles mints in [from, to]. Requires admin credentials.
func (c *Client) Backfill(ctx context.Context, from, to uint64) (BackfillResult, error) {
	var resp BackfillResult
	err := c.do(ctx, http.MethodPost, "admin/mints/backfill", map[string]any{"from_block": from, "to_block": to}, &resp)
	return resp, err
}

// Events returns recent audit events of evtType, or of every type when empty.
func (c *Client) Events(ctx context.Context, evtType string, limit int) ([]Event, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "admin/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) doMultipart(ctx context.Context, endpoint, fileName string, data []byte, fields map[string]string, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.send(ctx, http.MethodPost, endpoint, w.FormDataContentType(), &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
