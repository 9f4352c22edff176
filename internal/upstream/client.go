package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/paneldns/paneldns/internal/config"
)

const requestTimeout = 30 * time.Second

// Client talks to a single control-panel server. Two authentication modes
// are handled transparently: basic auth for classic API access, and a
// session cookie obtained via CMD_LOGIN when the panel redirects basic auth.
// Responses come back as structured JSON on current panels; the legacy
// URL-encoded flat format is parsed as a fallback.
type Client struct {
	hostname string
	port     int
	username string
	password string
	scheme   string

	http *retryablehttp.Client

	mu      sync.Mutex
	cookies []*http.Cookie
}

func New(u config.Upstream) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = requestTimeout
	// Redirects are surfaced to the caller so the basic-auth to cookie
	// upgrade can be detected.
	rc.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if !u.ShouldVerifySSL() {
		rc.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	scheme := "http"
	if u.SSL {
		scheme = "https"
	}
	return &Client{
		hostname: u.Hostname,
		port:     u.Port,
		username: u.Username,
		password: u.Password,
		scheme:   scheme,
		http:     rc,
	}
}

func (c *Client) Hostname() string { return c.hostname }

// ListDomains returns every domain the panel manages, lowercased. The panel
// pages the JSON listing; all pages are fetched. An unreachable or
// misbehaving panel returns an error so callers can skip the cycle instead
// of acting on a partial list.
func (c *Client) ListDomains(ctx context.Context, pageSize int) (map[string]bool, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	domains := make(map[string]bool)
	page := 1
	totalPages := 1

	for page <= totalPages {
		params := url.Values{}
		params.Set("json", "yes")
		params.Set("page", fmt.Sprint(page))
		params.Set("ipp", fmt.Sprint(pageSize))

		resp, err := c.Get(ctx, "CMD_DNS_ADMIN", params)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read domain list: %w", err)
		}

		if isRedirect(resp.StatusCode) {
			if c.hasCookies() {
				return nil, fmt.Errorf("still redirected after session login, user %s needs admin-level access", c.username)
			}
			slog.Debug("basic auth redirected, attempting session login",
				"upstream", c.hostname, "status", resp.StatusCode)
			if err := c.login(ctx); err != nil {
				return nil, err
			}
			continue // retry this page with cookies
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("list domains: upstream %s returned %s", c.hostname, resp.Status)
		}
		if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			return nil, fmt.Errorf("upstream %s returned HTML instead of an API response, check credentials", c.hostname)
		}

		pageDomains, pages, err := parseDomainPage(body)
		if err != nil {
			// Older panels answer with the flat URL-encoded list and no
			// paging at all.
			slog.Warn("fail decode domain list JSON, using legacy parser",
				"upstream", c.hostname, "page", page, "error", err)
			for d := range parseLegacyDomainList(string(body)) {
				domains[d] = true
			}
			return domains, nil
		}
		for d := range pageDomains {
			domains[d] = true
		}
		totalPages = pages
		page++
	}
	return domains, nil
}

// Get performs an authenticated GET against a panel CMD_* endpoint. The
// caller owns the response body.
func (c *Client) Get(ctx context.Context, command string, params url.Values) (*http.Response, error) {
	u := c.baseURL(command)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s on %s: %w", command, c.hostname, err)
	}
	return resp, nil
}

// Post performs an authenticated form POST against a panel CMD_* endpoint.
func (c *Client) Post(ctx context.Context, command string, form url.Values) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(command),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s on %s: %w", command, c.hostname, err)
	}
	return resp, nil
}

// ExtraDNSServers returns the panel's extra-DNS-server map keyed by host.
func (c *Client) ExtraDNSServers(ctx context.Context) (map[string]json.RawMessage, error) {
	params := url.Values{}
	params.Set("json", "yes")
	resp, err := c.Get(ctx, "CMD_MULTI_SERVER", params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("multi server list: upstream %s returned %s", c.hostname, resp.Status)
	}
	var payload struct {
		Servers map[string]json.RawMessage `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode multi server list: %w", err)
	}
	return payload.Servers, nil
}

// AddExtraDNSServer registers host as a new extra DNS server on the panel.
func (c *Client) AddExtraDNSServer(ctx context.Context, host string, port int, user, pass string, ssl bool) error {
	form := url.Values{}
	form.Set("action", "add")
	form.Set("json", "yes")
	form.Set("ip", host)
	form.Set("port", fmt.Sprint(port))
	form.Set("user", user)
	form.Set("passwd", pass)
	form.Set("ssl", yesNo(ssl))

	if err := c.postExpectSuccess(ctx, "CMD_MULTI_SERVER", form); err != nil {
		return fmt.Errorf("add extra dns server %s: %w", host, err)
	}
	slog.Info("registered extra dns server", "upstream", c.hostname, "host", host)
	return nil
}

// EnsureExtraDNSServer registers host if absent and then saves its settings
// with dns and domain_check enabled, so the panel pushes zone updates here.
func (c *Client) EnsureExtraDNSServer(ctx context.Context, host string, port int, user, pass string, ssl bool) error {
	servers, err := c.ExtraDNSServers(ctx)
	if err != nil {
		return err
	}
	if _, ok := servers[host]; !ok {
		if err := c.AddExtraDNSServer(ctx, host, port, user, pass, ssl); err != nil {
			return err
		}
	}

	form := url.Values{}
	form.Set("action", "multiple")
	form.Set("save", "yes")
	form.Set("json", "yes")
	form.Set("passwd", "")
	form.Set("select0", host)
	form.Set("port-"+host, fmt.Sprint(port))
	form.Set("user-"+host, user)
	form.Set("ssl-"+host, yesNo(ssl))
	form.Set("dns-"+host, "yes")
	form.Set("domain_check-"+host, "yes")
	form.Set("user_check-"+host, "no")
	form.Set("email-"+host, "no")
	form.Set("show_all_users-"+host, "no")

	if err := c.postExpectSuccess(ctx, "CMD_MULTI_SERVER", form); err != nil {
		return fmt.Errorf("save extra dns server %s: %w", host, err)
	}
	slog.Info("extra dns server configured", "upstream", c.hostname, "host", host,
		"dns", "yes", "domain_check", "yes")
	return nil
}

func (c *Client) postExpectSuccess(ctx context.Context, command string, form url.Values) error {
	resp, err := c.Post(ctx, command, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream %s returned %s", c.hostname, resp.Status)
	}
	var result struct {
		Success any `json:"success"`
		Result  any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !truthy(result.Success) {
		return fmt.Errorf("upstream %s reported failure: %v", c.hostname, result.Result)
	}
	return nil
}

// login obtains a session cookie via CMD_LOGIN for panels that redirect
// basic auth.
func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("referer", "/CMD_DNS_ADMIN?json=yes&page=1&ipp=500")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL("CMD_LOGIN"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session login on %s: %w", c.hostname, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return fmt.Errorf("session login on %s returned no cookie, check username and password", c.hostname)
	}
	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
	slog.Debug("session login successful", "upstream", c.hostname)
	return nil
}

func (c *Client) authorize(req *retryablehttp.Request) {
	c.mu.Lock()
	cookies := c.cookies
	c.mu.Unlock()
	if len(cookies) > 0 {
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
		return
	}
	req.SetBasicAuth(c.username, c.password)
}

func (c *Client) hasCookies() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cookies) > 0
}

func (c *Client) baseURL(command string) string {
	return fmt.Sprintf("%s://%s:%d/%s", c.scheme, c.hostname, c.port, command)
}

// parseDomainPage decodes one page of the JSON domain listing. Domains are
// keyed by numeric index; the info object carries the page count.
func parseDomainPage(body []byte) (map[string]bool, int, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, err
	}

	domains := make(map[string]bool)
	for key, val := range raw {
		if !isDigits(key) {
			continue
		}
		var entry struct {
			Domain string `json:"domain"`
		}
		if err := json.Unmarshal(val, &entry); err != nil || entry.Domain == "" {
			continue
		}
		domains[strings.ToLower(strings.TrimSpace(entry.Domain))] = true
	}

	totalPages := 1
	if info, ok := raw["info"]; ok {
		var meta struct {
			TotalPages json.Number `json:"total_pages"`
		}
		if err := json.Unmarshal(info, &meta); err == nil {
			if n, err := meta.TotalPages.Int64(); err == nil && n > 0 {
				totalPages = int(n)
			}
		}
	}
	return domains, totalPages, nil
}

// parseLegacyDomainList handles the flat list[]=a.com&list[]=b.com format,
// which older panels also emit newline-separated.
func parseLegacyDomainList(body string) map[string]bool {
	normalized := strings.Trim(strings.ReplaceAll(body, "\n", "&"), "&")
	values, err := url.ParseQuery(normalized)
	if err != nil {
		return nil
	}
	domains := make(map[string]bool)
	for _, d := range values["list[]"] {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains[d] = true
		}
	}
	return domains
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "0" && !strings.EqualFold(t, "no") && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	case nil:
		return false
	}
	return true
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
