package fiskaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerScope          = "X-Scope-Identifier"
	maxBodyBytes         = 1 << 20
)

// APIError is a non-2xx answer from the fiscal API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: fiscal api returned %d: %s", e.Op, e.Status, e.Body)
}

// IsConflict reports whether err is a 409 from the fiscal API.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsUnsupported reports whether the API rejected the operation as unknown or
// not implemented in this environment.
func IsUnsupported(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}

// ConflictID digs the ID of the already existing resource out of a conflict
// body. It returns "" when err is not a conflict or carries no ID.
func ConflictID(err error) string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		return ""
	}
	var body struct {
		ID      string `json:"id"`
		Content struct {
			ID string `json:"id"`
		} `json:"content"`
		Details struct {
			ID         string `json:"id"`
			ExistingID string `json:"existing_id"`
		} `json:"details"`
	}
	if json.Unmarshal([]byte(apiErr.Body), &body) != nil {
		return ""
	}
	for _, id := range []string{body.Content.ID, body.ID, body.Details.ExistingID, body.Details.ID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Entity is the legal company registered for a partner.
type Entity struct {
	LegalName string
	TradeName string
	VATNumber string
	Address   Address
	PartnerID string
}

// System is the fiscal device registered for an entity.
type System struct {
	EntityID  string
	Software  Software
	PartnerID string
}

// Client is a thin JSON client for the fiscal compliance API. Every mutating
// call carries a fresh idempotency key.
type Client struct {
	baseURL    string
	httpClient *http.Client
	newKey     func() string
}

// NewClient creates a client. A nil httpClient gets a 30s default.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		newKey:     uuid.NewString,
	}
}

// Token exchanges an API key/secret for a bearer. A non-empty scope asks for
// a token limited to that asset.
func (c *Client) Token(ctx context.Context, key, secret, scope string) (string, error) {
	var req tokenRequest
	req.Content.Type = SubjectTypeAPIKey
	req.Content.Key = key
	req.Content.Secret = secret

	var resp tokenResponse
	if err := c.do(ctx, "authenticate", http.MethodPost, "/tokens", "", scope, req, &resp); err != nil {
		return "", err
	}
	if resp.Content.Authentication.Bearer == "" {
		return "", fmt.Errorf("authenticate: response carried no bearer")
	}
	return resp.Content.Authentication.Bearer, nil
}

// CreateUnit creates a UNIT asset and returns its ID.
func (c *Client) CreateUnit(ctx context.Context, bearer, name, partnerID string) (string, error) {
	var req AssetRequest
	req.Content.Type = AssetTypeUnit
	req.Content.Name = name
	req.Metadata = map[string]string{"partner_id": partnerID}

	var resp Resource
	if err := c.do(ctx, "create unit", http.MethodPost, "/assets", bearer, "", req, &resp); err != nil {
		return "", err
	}
	return resp.Content.ID, nil
}

// CreateSubject creates an API key scoped to unitID.
func (c *Client) CreateSubject(ctx context.Context, bearer, unitID, name string) (*Credentials, error) {
	var req SubjectRequest
	req.Content.Type = SubjectTypeAPIKey
	req.Content.Name = name

	var resp subjectResponse
	if err := c.do(ctx, "create subject", http.MethodPost, "/subjects", bearer, unitID, req, &resp); err != nil {
		return nil, err
	}
	if resp.Content.Credentials.Key == "" || resp.Content.Credentials.Secret == "" {
		return nil, fmt.Errorf("create subject: response carried no credentials")
	}
	return &resp.Content.Credentials, nil
}

// CreateEntity registers a COMPANY entity and returns its ID.
func (c *Client) CreateEntity(ctx context.Context, bearer string, e Entity) (string, error) {
	var req EntityRequest
	req.Content.Type = EntityTypeCompany
	req.Content.Name = EntityName{Legal: e.LegalName, Trade: e.TradeName}
	req.Content.Address = e.Address
	req.Content.VATNumber = e.VATNumber
	req.Metadata = map[string]string{"partner_id": e.PartnerID}

	var resp Resource
	if err := c.do(ctx, "create entity", http.MethodPost, "/entities", bearer, "", req, &resp); err != nil {
		return "", err
	}
	return resp.Content.ID, nil
}

// ListEntities returns the entities visible to bearer.
func (c *Client) ListEntities(ctx context.Context, bearer string) ([]Resource, error) {
	var resp listResponse
	if err := c.do(ctx, "list entities", http.MethodGet, "/entities", bearer, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// CommissionEntity moves the entity to COMMISSIONED.
func (c *Client) CommissionEntity(ctx context.Context, bearer, entityID string) error {
	var req entityStateRequest
	req.Content.State = EntityStateCommissioned
	return c.do(ctx, "commission entity", http.MethodPatch, "/entities/"+url.PathEscape(entityID), bearer, "", req, nil)
}

// CreateSystem registers a FISCAL_DEVICE system for an entity and returns its ID.
func (c *Client) CreateSystem(ctx context.Context, bearer string, s System) (string, error) {
	var req SystemRequest
	req.Content.Type = SystemTypeFiscalDevice
	req.Content.Entity.ID = s.EntityID
	req.Content.Software = s.Software
	req.Metadata = map[string]string{"partner_id": s.PartnerID}

	var resp Resource
	if err := c.do(ctx, "create system", http.MethodPost, "/systems", bearer, "", req, &resp); err != nil {
		return "", err
	}
	return resp.Content.ID, nil
}

// ListSystems returns the systems visible to bearer.
func (c *Client) ListSystems(ctx context.Context, bearer string) ([]Resource, error) {
	var resp listResponse
	if err := c.do(ctx, "list systems", http.MethodGet, "/systems", bearer, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) do(ctx context.Context, op, method, path, bearer, scope string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if scope != "" {
		req.Header.Set(headerScope, scope)
	}
	if method != http.MethodGet {
		req.Header.Set(headerIdempotencyKey, c.newKey())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: http request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s: failed to read response body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: failed to unmarshal response: %w", op, err)
	}
	return nil
}
