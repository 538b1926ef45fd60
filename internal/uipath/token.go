package uipath

import (
	"context"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

const (
	defaultScope    = "OR.Jobs OR.Folders OR.Execution"
	defaultAudience = "https://orchestrator.uipath.com"

	defaultOAuthTimeout = 20 * time.Second

	// 提前刷新，避免请求途中过期
	expiryLeeway = 30 * time.Second
)

type cachedToken struct {
	accessToken string
	// expiry 为零表示未知，直到被拒绝为止一直使用
	expiry time.Time
}

func (t cachedToken) valid(now time.Time) bool {
	if t.accessToken == "" {
		return false
	}
	return t.expiry.IsZero() || now.Add(expiryLeeway).Before(t.expiry)
}

func cacheKey(cc models.CredentialContext) string {
	return cc.NormalizedBaseURL() + "|" + cc.ClientID
}

// Token 返回调用 Orchestrator 所用的访问令牌
// PAT 直接返回配置的令牌；OAuth 先用缓存或已保存的令牌，否则执行 client credentials 交换
func (c *Client) Token(ctx context.Context, cc models.CredentialContext) (string, error) {
	if !cc.IsOAuth() {
		if cc.AccessToken == "" {
			return "", apperr.NewUpstreamError("no UiPath access token configured", nil)
		}
		return cc.AccessToken, nil
	}

	key := cacheKey(cc)
	c.mutex.Lock()
	cached, ok := c.tokens[key]
	if !ok && cc.AccessToken != "" {
		cached = cachedToken{accessToken: cc.AccessToken}
		c.tokens[key] = cached
	}
	c.mutex.Unlock()

	if cached.valid(time.Now()) {
		return cached.accessToken, nil
	}
	return c.refresh(ctx, cc)
}

// Invalidate 丢弃某凭据的缓存令牌
func (c *Client) Invalidate(cc models.CredentialContext) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.tokens[cacheKey(cc)] = cachedToken{}
}

// refresh 执行令牌交换，同一凭据的并发请求合并为一次
// 交换不随发起者的 ctx 取消，每个调用方只在自己的 ctx 结束时放弃等待
func (c *Client) refresh(ctx context.Context, cc models.CredentialContext) (string, error) {
	if cc.ClientID == "" || cc.ClientSecret == "" {
		return "", apperr.NewUpstreamError("OAuth client id and secret are required", nil)
	}

	key := cacheKey(cc)
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mutex.Lock()
		if cached := c.tokens[key]; cached.valid(time.Now()) {
			c.mutex.Unlock()
			return cached.accessToken, nil
		}
		c.mutex.Unlock()

		tok, err := c.exchange(shared, cc)
		if err != nil {
			return "", err
		}

		c.mutex.Lock()
		c.tokens[key] = cachedToken{accessToken: tok.AccessToken, expiry: tok.Expiry}
		observer := c.observer
		c.mutex.Unlock()

		if observer != nil {
			observer(shared, cc.UserID, tok.AccessToken)
		}
		return tok.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exchange 依次尝试各候选身份端点
func (c *Client) exchange(ctx context.Context, cc models.CredentialContext) (*oauth2.Token, error) {
	scope := c.cfg.OAuthScope
	if scope == "" {
		scope = defaultScope
	}
	audience := c.cfg.OAuthAudience
	if audience == "" {
		audience = defaultAudience
	}

	endpoints := TokenEndpoints(cc.NormalizedBaseURL())
	if len(endpoints) == 0 {
		return nil, apperr.NewUpstreamError("invalid UiPath URL "+cc.BaseURL, nil)
	}

	timeout := c.cfg.OAuthTimeout
	if timeout <= 0 {
		timeout = defaultOAuthTimeout
	}
	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient(cc.BaseURL))

	var lastErr error
	for _, endpoint := range endpoints {
		conf := clientcredentials.Config{
			ClientID:       cc.ClientID,
			ClientSecret:   cc.ClientSecret,
			TokenURL:       endpoint,
			Scopes:         strings.Fields(scope),
			EndpointParams: url.Values{"audience": {audience}},
			AuthStyle:      oauth2.AuthStyleInParams,
		}

		attemptCtx, cancel := context.WithTimeout(httpCtx, timeout)
		tok, err := conf.Token(attemptCtx)
		cancel()

		if err == nil && tok.AccessToken != "" {
			logger.Info("Obtained OAuth token from %s", endpoint)
			return tok, nil
		}
		if err == nil {
			err = apperr.NewUpstreamError("empty access token", nil)
		}
		logger.Warn("Token endpoint %s failed: %v", endpoint, err)
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return nil, apperr.NewUpstreamError("failed to obtain OAuth token from any identity endpoint", lastErr).
		WithDetail("endpoints", endpoints)
}

// TokenEndpoints 按优先级返回候选身份端点，已去重
func TokenEndpoints(baseURL string) []string {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	host := u.Scheme + "://" + u.Host
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })

	candidates := []string{
		host + "/identity_/connect/token",
		host + "/identity/connect/token",
	}
	if len(segments) >= 1 {
		org := host + "/" + segments[0]
		candidates = append(candidates,
			org+"/identity_/connect/token",
			org+"/identity/connect/token")
	}
	if len(segments) >= 2 {
		candidates = append(candidates, host+"/"+segments[0]+"/"+segments[1]+"/identity/connect/token")
	}

	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
