package uipath

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/javaos74/uipath-mcp-server/internal/config"
	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

const maxErrorBody = 512

// headerRoundTripper 为每个请求添加固定头部
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (hrt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, value := range hrt.headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	return hrt.base.RoundTrip(req)
}

// TokenObserver 在 OAuth 令牌刷新后被调用，用于持久化
type TokenObserver func(ctx context.Context, userID int64, accessToken string)

// Client Orchestrator REST 客户端
type Client struct {
	cfg      config.UiPathConfig
	secure   *http.Client
	insecure *http.Client

	tokens   map[string]cachedToken
	mutex    sync.Mutex
	group    singleflight.Group
	observer TokenObserver
}

// New 创建 Orchestrator 客户端
func New(cfg config.UiPathConfig) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	headers := map[string]string{"Accept": "application/json"}
	if cfg.TenantName != "" {
		headers["X-UIPATH-TenantName"] = cfg.TenantName
	}

	secureTransport := http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport := http.DefaultTransport.(*http.Transport).Clone()
	// 本地部署的 Orchestrator 通常使用自签名证书
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &Client{
		cfg: cfg,
		secure: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: &headerRoundTripper{base: secureTransport, headers: headers},
		},
		insecure: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: &headerRoundTripper{base: insecureTransport, headers: headers},
		},
		tokens: make(map[string]cachedToken),
	}
}

// SetTokenObserver 设置令牌刷新回调
func (c *Client) SetTokenObserver(observer TokenObserver) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.observer = observer
}

// IsCloudURL 判断是否为 uipath.com 云端地址
func IsCloudURL(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "uipath.com" || strings.HasSuffix(host, ".uipath.com")
}

func (c *Client) httpClient(baseURL string) *http.Client {
	if IsCloudURL(baseURL) {
		return c.secure
	}
	return c.insecure
}

// orchestratorRoot 裸主机直接使用基础地址，带路径的地址（云端/Automation Suite）追加 orchestrator_
func orchestratorRoot(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	u, err := url.Parse(base)
	if err != nil || len(u.Path) <= 1 {
		return base
	}
	return base + "/orchestrator_"
}

// APIRoot OData 接口根地址
func APIRoot(baseURL string) string {
	return orchestratorRoot(baseURL) + "/odata"
}

// request 描述一次 Orchestrator 调用
type request struct {
	method string
	// path 相对于 orchestrator 根地址，例如 odata/Jobs
	path     string
	query    url.Values
	folderID string
	body     any
	// monitoring 接口需要额外的 x-uipath-orchestrator 头
	monitoring bool
}

// do 发送请求并解码响应；OAuth 凭据遇到 401/403 时刷新令牌重试一次
func (c *Client) do(ctx context.Context, cc models.CredentialContext, req request, out any) error {
	if cc.NormalizedBaseURL() == "" {
		return apperr.NewUpstreamError("UiPath URL is not configured", nil)
	}

	token, err := c.Token(ctx, cc)
	if err != nil {
		return err
	}

	status, body, err := c.send(ctx, cc, token, req)
	if err != nil {
		return err
	}

	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && cc.IsOAuth() {
		logger.Info("Orchestrator rejected token (%d), refreshing for %s", status, cc)
		c.Invalidate(cc)
		token, err = c.refresh(ctx, cc)
		if err != nil {
			return err
		}
		status, body, err = c.send(ctx, cc, token, req)
		if err != nil {
			return err
		}
	}

	if status < 200 || status >= 300 {
		return apperr.NewUpstreamError(
			fmt.Sprintf("%s %s returned HTTP %d", req.method, req.path, status), nil).
			WithDetail("status_code", status).
			WithDetail("body", truncate(string(body), maxErrorBody))
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.NewUpstreamError("invalid response from orchestrator", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, cc models.CredentialContext, token string, req request) (int, []byte, error) {
	endpoint := orchestratorRoot(cc.BaseURL) + "/" + strings.TrimLeft(req.path, "/")
	if len(req.query) > 0 {
		endpoint += "?" + encodeQuery(req.query)
	}

	var reader io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return 0, nil, apperr.NewUpstreamError("failed to encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, reader)
	if err != nil {
		return 0, nil, apperr.NewUpstreamError("failed to build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.folderID != "" {
		httpReq.Header.Set("X-UIPATH-OrganizationUnitId", req.folderID)
	}
	if req.monitoring {
		httpReq.Header.Set("x-uipath-orchestrator", "true")
	}

	logger.Debug("Orchestrator %s %s", req.method, endpoint)
	resp, err := c.httpClient(cc.BaseURL).Do(httpReq)
	if err != nil {
		return 0, nil, apperr.NewUpstreamError("orchestrator request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperr.NewUpstreamError("failed to read orchestrator response", err)
	}
	return resp.StatusCode, body, nil
}

// encodeQuery 与 url.Values.Encode 相同，但空格编码为 %20，OData 的 $filter 需要
func encodeQuery(q url.Values) string {
	return strings.ReplaceAll(q.Encode(), "+", "%20")
}

// odataString 转义 OData 字符串字面量中的单引号
func odataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
