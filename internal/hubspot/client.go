// Package hubspot is a thin REST adapter over the HubSpot CRM API. It
// implements refresh.Source for the cached object types and exposes a few
// pass-through reads used by the MCP tools.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/hubcache/internal/refresh"
)

// DefaultBaseURL is the public HubSpot API endpoint.
const DefaultBaseURL = "https://api.hubapi.com"

// ErrRateLimited is wrapped by errors for HTTP 429 responses.
var ErrRateLimited = errors.New("rate limited")

// Client calls the HubSpot API with a private app access token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client. HubSpot allows 100 requests per 10 seconds for
// private apps, so the default limit is 10 per second.
func New(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var (
	companyProperties = []string{"name", "domain", "website", "phone", "industry", "hs_lastmodifieddate"}
	contactProperties = []string{"firstname", "lastname", "email", "phone", "company", "hs_lastmodifieddate", "lastmodifieddate"}
	dealProperties    = []string{"dealname", "amount", "dealstage", "pipeline", "closedate", "hs_lastmodifieddate"}
	emailProperties   = []string{"hs_email_subject", "hs_email_text", "hs_email_html", "hs_email_from_email", "hs_email_to_email", "hs_email_cc_email", "hs_email_bcc_email", "hs_createdate", "hs_lastmodifieddate"}
)

// FetchPage returns one page of objects of the given type. CRM objects come
// from the list endpoints, which page through the whole collection; the
// search endpoint stops at 10,000 results and is not used for backfills.
func (c *Client) FetchPage(ctx context.Context, dt refresh.DataType, limit int, after string) (refresh.Page, error) {
	switch dt {
	case refresh.Company:
		return c.listObjects(ctx, "companies", companyProperties, limit, after)
	case refresh.Contact:
		return c.listObjects(ctx, "contacts", contactProperties, limit, after)
	case refresh.Deal:
		return c.listObjects(ctx, "deals", dealProperties, limit, after)
	case refresh.Email:
		return c.listEmails(ctx, limit, after)
	case refresh.ConversationThread:
		return c.listThreads(ctx, limit, after)
	default:
		return refresh.Page{}, fmt.Errorf("%w: %q", refresh.ErrUnsupportedType, dt)
	}
}

// pageResponse is the common CRM collection envelope.
type pageResponse struct {
	Results []map[string]any `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (p pageResponse) nextAfter() string {
	if p.Paging == nil || p.Paging.Next == nil {
		return ""
	}
	return p.Paging.Next.After
}

func (c *Client) listObjects(ctx context.Context, objects string, props []string, limit int, after string) (refresh.Page, error) {
	q := pageQuery(limit, after)
	q.Set("properties", strings.Join(props, ","))
	q.Set("archived", "false")

	var resp pageResponse
	if err := c.do(ctx, http.MethodGet, "/crm/v3/objects/"+objects, q, nil, &resp); err != nil {
		return refresh.Page{}, err
	}
	return refresh.Page{Results: nonNil(resp.Results), NextAfter: resp.nextAfter()}, nil
}

func (c *Client) listEmails(ctx context.Context, limit int, after string) (refresh.Page, error) {
	q := pageQuery(limit, after)
	q.Set("properties", strings.Join(emailProperties, ","))

	var resp pageResponse
	if err := c.do(ctx, http.MethodGet, "/crm/v3/objects/emails", q, nil, &resp); err != nil {
		return refresh.Page{}, err
	}
	results := make([]map[string]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, flattenEmail(r))
	}
	return refresh.Page{Results: results, NextAfter: resp.nextAfter()}, nil
}

// flattenEmail reduces an email object to the fields that are cached.
func flattenEmail(obj map[string]any) map[string]any {
	props, _ := obj["properties"].(map[string]any)
	prop := func(name string) string {
		s, _ := props[name].(string)
		return s
	}
	body := prop("hs_email_text")
	if body == "" {
		body = prop("hs_email_html")
	}
	createdAt, _ := obj["createdAt"].(string)
	if createdAt == "" {
		createdAt = prop("hs_createdate")
	}
	updatedAt, _ := obj["updatedAt"].(string)
	if updatedAt == "" {
		updatedAt = prop("hs_lastmodifieddate")
	}
	return map[string]any{
		"id":         obj["id"],
		"created_at": createdAt,
		"updated_at": updatedAt,
		"subject":    prop("hs_email_subject"),
		"from":       prop("hs_email_from_email"),
		"to":         prop("hs_email_to_email"),
		"cc":         prop("hs_email_cc_email"),
		"bcc":        prop("hs_email_bcc_email"),
		"body":       body,
	}
}

func (c *Client) listThreads(ctx context.Context, limit int, after string) (refresh.Page, error) {
	q := pageQuery(limit, after)
	q.Set("sort", "-latestMessageTimestamp")

	var resp pageResponse
	if err := c.do(ctx, http.MethodGet, "/conversations/v3/conversations/threads", q, nil, &resp); err != nil {
		return refresh.Page{}, err
	}
	return refresh.Page{Results: nonNil(resp.Results), NextAfter: resp.nextAfter()}, nil
}

// CompanyActivity returns the engagements associated with a company.
func (c *Client) CompanyActivity(ctx context.Context, companyID string) ([]map[string]any, error) {
	if companyID == "" {
		return nil, errors.New("company id is required")
	}
	var assoc struct {
		Results []struct {
			ToObjectID json.Number `json:"toObjectId"`
		} `json:"results"`
	}
	path := "/crm/v4/objects/companies/" + url.PathEscape(companyID) + "/associations/engagements"
	if err := c.do(ctx, http.MethodGet, path, url.Values{"limit": {"500"}}, nil, &assoc); err != nil {
		return nil, err
	}

	activities := make([]map[string]any, 0, len(assoc.Results))
	for _, r := range assoc.Results {
		var eng struct {
			Engagement   map[string]any `json:"engagement"`
			Metadata     map[string]any `json:"metadata"`
			Associations map[string]any `json:"associations"`
		}
		if err := c.do(ctx, http.MethodGet, "/engagements/v1/engagements/"+r.ToObjectID.String(), nil, nil, &eng); err != nil {
			return nil, fmt.Errorf("engagement %s: %w", r.ToObjectID, err)
		}
		activities = append(activities, formatEngagement(eng.Engagement, eng.Metadata, eng.Associations))
	}
	return activities, nil
}

// recentEngagementsPage is the page size of the legacy engagements feed,
// which caps count at 100.
const recentEngagementsPage = 100

// RecentEngagements returns every engagement across companies and contacts
// modified at or after since, following the feed's offset until hasMore is
// false.
func (c *Client) RecentEngagements(ctx context.Context, since time.Time) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(recentEngagementsPage))
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))

	activities := []map[string]any{}
	for {
		var resp struct {
			Results []struct {
				Engagement   map[string]any `json:"engagement"`
				Metadata     map[string]any `json:"metadata"`
				Associations map[string]any `json:"associations"`
			} `json:"results"`
			HasMore bool        `json:"hasMore"`
			Offset  json.Number `json:"offset"`
		}
		if err := c.do(ctx, http.MethodGet, "/engagements/v1/engagements/recent/modified", q, nil, &resp); err != nil {
			return nil, err
		}
		for _, r := range resp.Results {
			activities = append(activities, formatEngagement(r.Engagement, r.Metadata, r.Associations))
		}
		if !resp.HasMore || resp.Offset == "" || resp.Offset.String() == q.Get("offset") {
			return activities, nil
		}
		q.Set("offset", resp.Offset.String())
	}
}

// engagementContent lists the metadata fields kept for each engagement type.
var engagementContent = map[string][]string{
	"EMAIL":   {"subject", "from", "to", "cc", "bcc", "text", "html"},
	"TASK":    {"subject", "body", "status", "forObjectType"},
	"MEETING": {"title", "body", "startTime", "endTime", "internalMeetingNotes"},
	"CALL":    {"body", "fromNumber", "toNumber", "durationMilliseconds", "status", "disposition"},
}

func formatEngagement(eng, meta, assoc map[string]any) map[string]any {
	typ, _ := eng["type"].(string)
	out := map[string]any{
		"id":           eng["id"],
		"type":         typ,
		"created_at":   eng["createdAt"],
		"last_updated": eng["lastUpdated"],
		"created_by":   eng["createdBy"],
		"modified_by":  eng["modifiedBy"],
		"timestamp":    eng["timestamp"],
		"associations": assoc,
	}
	if typ == "NOTE" {
		out["content"] = meta["body"]
		return out
	}
	if fields, ok := engagementContent[typ]; ok {
		content := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := meta[f]; ok {
				content[f] = v
			}
		}
		out["content"] = content
	}
	return out
}

func pageQuery(limit int, after string) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if after != "" {
		q.Set("after", after)
	}
	return q
}

func nonNil(results []map[string]any) []map[string]any {
	if results == nil {
		return []map[string]any{}
	}
	return results
}

// apiError mirrors HubSpot's error body.
type apiError struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("hubspot request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var ae apiError
	if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
		msg = ae.Message
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if msg == "" {
			return ErrRateLimited
		}
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("hubspot API error %d: %s", resp.StatusCode, msg)
}
