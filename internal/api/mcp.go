package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/hubcache/internal/ingest"
	"github.com/kalambet/hubcache/internal/refresh"
	"github.com/kalambet/hubcache/internal/retrieval"
)

// Refresher runs refresh requests against the CRM.
type Refresher interface {
	Refresh(ctx context.Context, req refresh.Request) refresh.Result
}

// Searcher runs semantic search over the cache.
type Searcher interface {
	SearchType(ctx context.Context, query, dataType string, limit int) ([]retrieval.Result, error)
}

// ObjectStore is the object store surface used by the API layer.
type ObjectStore interface {
	Get(objectType, id string) (map[string]any, bool)
	GetAllByType(objectType string, limit int) []map[string]any
	Delete(objectType, id string) bool
	LastUpdatedAll() map[string]string
}

// IndexStats reports on the vector index.
type IndexStats interface {
	Len() int
	Live() int
	Dimension() int
	Date() string
	Snapshots() ([]string, error)
}

// ActivitySource reads engagement history straight from HubSpot.
type ActivitySource interface {
	CompanyActivity(ctx context.Context, companyID string) ([]map[string]any, error)
	RecentEngagements(ctx context.Context, since time.Time) ([]map[string]any, error)
}

// ScheduleStatus reports scheduled refresh outcomes.
type ScheduleStatus interface {
	Status() map[string]ingest.TypeStatus
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Refresher Refresher
	Searcher  Searcher
	Store     ObjectStore
	Index     IndexStats
	Activity  ActivitySource // optional; if nil, the activity tools are not registered
	Schedule  ScheduleStatus // optional
}

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	defaultRecentLimit = 10
	maxRecentLimit     = 100
	defaultRecentDays  = 3
	maxRecentDays      = 30
)

func dataTypeNames() []string {
	types := refresh.DataTypes()
	names := make([]string, len(types))
	for i, dt := range types {
		names[i] = string(dt)
	}
	return names
}

// NewMCPServer creates an MCP server with all hubcache tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"hubcache",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("hubcache keeps a local semantic cache of HubSpot CRM data. Refresh a data type, then search it."),
		server.WithRecovery(),
	)

	types := dataTypeNames()

	s.AddTool(
		mcp.NewTool("hubspot_refresh_data",
			mcp.WithDescription("Fetch CRM objects from HubSpot into the local cache and vector index. Returns counts and the next pagination cursor."),
			mcp.WithString("data_type", mcp.Description("Object type to refresh"), mcp.Enum(types...), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Page size (default 100)")),
			mcp.WithString("after", mcp.Description("Pagination cursor from a previous refresh")),
			mcp.WithBoolean("store_all_pages", mcp.Description("Follow pagination until the last page")),
		),
		mcpRefreshData(deps),
	)

	s.AddTool(
		mcp.NewTool("hubspot_search_data",
			mcp.WithDescription("Semantic search over cached CRM objects. Returns ranked results with similarity scores."),
			mcp.WithString("query", mcp.Description("Natural language query"), mcp.Required()),
			mcp.WithString("data_type", mcp.Description("Restrict results to one object type"), mcp.Enum(types...)),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchData(deps),
	)

	s.AddTool(
		mcp.NewTool("hubspot_get_cached",
			mcp.WithDescription("Return the cached snapshot of one CRM object."),
			mcp.WithString("data_type", mcp.Description("Object type"), mcp.Enum(types...), mcp.Required()),
			mcp.WithString("id", mcp.Description("HubSpot object id"), mcp.Required()),
		),
		mcpGetCached(deps),
	)

	s.AddTool(
		mcp.NewTool("hubspot_get_recent",
			mcp.WithDescription("Return the most recently cached objects of a type, newest first."),
			mcp.WithString("data_type", mcp.Description("Object type"), mcp.Enum(types...), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of objects (default 10)")),
		),
		mcpGetRecent(deps),
	)

	if deps.Activity != nil {
		s.AddTool(
			mcp.NewTool("hubspot_get_company_activity",
				mcp.WithDescription("Fetch the engagement history (notes, emails, calls, meetings, tasks) of a company directly from HubSpot."),
				mcp.WithString("company_id", mcp.Description("HubSpot company id"), mcp.Required()),
			),
			mcpCompanyActivity(deps),
		)
		s.AddTool(
			mcp.NewTool("hubspot_get_recent_engagements",
				mcp.WithDescription("Fetch engagements across all companies and contacts modified in the last few days directly from HubSpot."),
				mcp.WithNumber("days", mcp.Description("How many days back to look (default 3, max 30)")),
			),
			mcpRecentEngagements(deps, time.Now),
		)
	}

	s.AddResource(
		mcp.NewResource(
			"hubspot://cache/status",
			"Cache Status",
			mcp.WithResourceDescription("Last refresh time per type, vector index size and snapshots"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpRefreshData(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dataType, err := req.RequireString("data_type")
		if err != nil {
			return mcpError("data_type is required"), nil
		}

		res := deps.Refresher.Refresh(ctx, refresh.Request{
			DataType:      dataType,
			Limit:         req.GetInt("limit", 0),
			After:         req.GetString("after", ""),
			StoreAllPages: req.GetBool("store_all_pages", false),
		})

		result, err := mcpJSON(res)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		result.IsError = res.Status == refresh.StatusError
		return result, nil
	}
}

func mcpSearchData(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		dataType := req.GetString("data_type", "")
		if dataType != "" {
			if _, err := refresh.ParseDataType(dataType); err != nil {
				return mcpError(err.Error()), nil
			}
		}

		limit := clampLimit(req.GetInt("limit", defaultSearchLimit), defaultSearchLimit, maxSearchLimit)
		results, err := deps.Searcher.SearchType(ctx, query, dataType, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		result, err := mcpJSON(results)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return result, nil
	}
}

func mcpGetCached(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dataType, err := req.RequireString("data_type")
		if err != nil {
			return mcpError("data_type is required"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if _, err := refresh.ParseDataType(dataType); err != nil {
			return mcpError(err.Error()), nil
		}

		obj, ok := deps.Store.Get(dataType, id)
		if !ok {
			return mcpError(fmt.Sprintf("%s %s not found in cache", dataType, id)), nil
		}
		result, err := mcpJSON(obj)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return result, nil
	}
}

func mcpGetRecent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dataType, err := req.RequireString("data_type")
		if err != nil {
			return mcpError("data_type is required"), nil
		}
		if _, err := refresh.ParseDataType(dataType); err != nil {
			return mcpError(err.Error()), nil
		}

		limit := clampLimit(req.GetInt("limit", defaultRecentLimit), defaultRecentLimit, maxRecentLimit)
		result, err := mcpJSON(deps.Store.GetAllByType(dataType, limit))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return result, nil
	}
}

func mcpRecentEngagements(deps MCPDeps, now func() time.Time) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days := clampLimit(req.GetInt("days", defaultRecentDays), defaultRecentDays, maxRecentDays)
		since := now().AddDate(0, 0, -days)
		activities, err := deps.Activity.RecentEngagements(ctx, since)
		if err != nil {
			return mcpError(fmt.Sprintf("fetching recent engagements: %v", err)), nil
		}
		result, err := mcpJSON(activities)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return result, nil
	}
}

func mcpCompanyActivity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		companyID, err := req.RequireString("company_id")
		if err != nil {
			return mcpError("company_id is required"), nil
		}
		activities, err := deps.Activity.CompanyActivity(ctx, companyID)
		if err != nil {
			return mcpError(fmt.Sprintf("fetching company activity: %v", err)), nil
		}
		result, err := mcpJSON(activities)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return result, nil
	}
}

// CacheStatus is the payload of the cache status resource and endpoint.
type CacheStatus struct {
	LastUpdated map[string]string            `json:"last_updated"`
	Index       IndexStatus                  `json:"index"`
	Schedule    map[string]ingest.TypeStatus `json:"schedule,omitempty"`
}

// IndexStatus summarizes the vector index.
type IndexStatus struct {
	Date      string   `json:"date"`
	Vectors   int      `json:"vectors"`
	Live      int      `json:"live"`
	Dimension int      `json:"dimension"`
	Snapshots []string `json:"snapshots"`
}

func cacheStatus(deps MCPDeps) (CacheStatus, error) {
	snaps, err := deps.Index.Snapshots()
	if err != nil {
		return CacheStatus{}, fmt.Errorf("listing snapshots: %w", err)
	}
	if snaps == nil {
		snaps = []string{}
	}
	st := CacheStatus{
		LastUpdated: deps.Store.LastUpdatedAll(),
		Index: IndexStatus{
			Date:      deps.Index.Date(),
			Vectors:   deps.Index.Len(),
			Live:      deps.Index.Live(),
			Dimension: deps.Index.Dimension(),
			Snapshots: snaps,
		},
	}
	if deps.Schedule != nil {
		st.Schedule = deps.Schedule.Status()
	}
	return st, nil
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := cacheStatus(deps)
		if err != nil {
			return nil, err
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
