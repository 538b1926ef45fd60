package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

const searchResultCount = 5

type googleSearchModule struct {
	// endpoint 为空时使用客户端库默认地址
	endpoint string
	engineID string
}

// NewGoogleSearchModule Google Custom Search 工具，api key 来自目录行
func NewGoogleSearchModule(endpoint, engineID string) Module {
	if endpoint != "" && !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &googleSearchModule{endpoint: endpoint, engineID: engineID}
}

func (m *googleSearchModule) Name() string { return "google_search" }

func (m *googleSearchModule) Tools() []Descriptor {
	return []Descriptor{{
		Name:        "google_search",
		Description: "Search the web with Google Custom Search and return the top results (title, link, snippet).",
		InputSchema: schema(map[string]any{
			"q":  prop("string", "Search query string"),
			"cx": prop("string", "Optional Custom Search engine ID, overrides the configured one"),
		}, "q"),
		Function: "google_search",
		Callable: CallableFunc(m.search),
	}}
}

// service 每次调用按目录行的 api key 创建
func (m *googleSearchModule) service(ctx context.Context, apiKey string) (*customsearch.Service, error) {
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if m.endpoint != "" {
		opts = append(opts, option.WithEndpoint(m.endpoint))
	}
	return customsearch.NewService(ctx, opts...)
}

func (m *googleSearchModule) search(ctx context.Context, args map[string]any, _ models.CredentialContext) (any, error) {
	q, err := requiredString(args, "q")
	if err != nil {
		return nil, err
	}

	apiKey := stringArg(args, "api_key", "")
	if apiKey == "" {
		logger.Warn("No API key provided for google_search")
		return map[string]any{
			"success": false,
			"error":   "Google Custom Search API key not configured",
			"message": "Please configure the API key in the built-in tool settings",
			"query":   q,
		}, nil
	}
	cx := stringArg(args, "cx", m.engineID)
	if cx == "" {
		return map[string]any{
			"success": false,
			"error":   "Google Custom Search engine ID not configured",
			"query":   q,
		}, nil
	}

	svc, err := m.service(ctx, apiKey)
	if err != nil {
		return nil, apperr.NewUpstreamError("failed to create search client", err)
	}
	resp, err := svc.Cse.List().Cx(cx).Q(q).Num(searchResultCount).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, apperr.NewUpstreamError(fmt.Sprintf("search API returned HTTP %d", gerr.Code), err).
				WithDetail("status_code", gerr.Code)
		}
		return nil, apperr.NewUpstreamError("search request failed", err)
	}

	results := make([]map[string]any, 0, len(resp.Items))
	for _, item := range resp.Items {
		results = append(results, map[string]any{
			"title":   item.Title,
			"link":    item.Link,
			"snippet": item.Snippet,
		})
	}
	total := ""
	if resp.SearchInformation != nil {
		total = resp.SearchInformation.TotalResults
	}
	return map[string]any{
		"success":       true,
		"query":         q,
		"total_results": total,
		"results":       results,
	}, nil
}
