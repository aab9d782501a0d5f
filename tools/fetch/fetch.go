// Package fetch provides the web_fetch tool: download a URL and extract
// its readable text content.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/moonbotlabs/moonbot"
)

const (
	defaultMaxBytes = 1 << 20
	defaultTimeout  = 15 * time.Second
	maxContentChars = 8000
)

// Tool fetches URLs and extracts readable content. Private and loopback
// destinations are refused so a prompt cannot probe the local network.
type Tool struct {
	client *http.Client
}

// New creates the tool with a 15-second HTTP timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: defaultTimeout}}
}

// Spec returns the web_fetch tool definition.
func (t *Tool) Spec() moonbot.ToolSpec {
	return moonbot.ToolSpec{
		ID:          "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Schema: moonbot.ObjectSchema{
			Properties: map[string]moonbot.FieldType{
				"url":     moonbot.FieldString,
				"headers": moonbot.FieldObject,
			},
			Required: []string{"url"},
		},
		Run: t.run,
	}
}

func (t *Tool) run(ctx context.Context, input json.RawMessage, tc moonbot.ToolContext) (moonbot.ToolResult, error) {
	var params struct {
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return fail(moonbot.CodeInvalidInput, "invalid input"), nil
	}

	parsed, err := url.Parse(params.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fail(moonbot.CodeBlockedURL, "only http and https URLs can be fetched"), nil
	}
	if err := checkHost(parsed.Hostname(), tc.Policy); err != nil {
		return fail(moonbot.CodeBlockedURL, err.Error()), nil
	}
	if err := checkHeaders(params.Headers); err != nil {
		return fail(moonbot.CodeInvalidHeaders, err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return fail(moonbot.CodeBlockedURL, "unusable URL"), nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; MoonbotFetch/1.0)")
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fail(moonbot.CodeExecutionError, "fetch failed"), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fail(moonbot.CodeExecutionError, fmt.Sprintf("HTTP %d from the server", resp.StatusCode)), nil
	}

	limit := tc.Policy.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fail(moonbot.CodeExecutionError, "read failed"), nil
	}
	if int64(len(body)) > limit {
		return fail(moonbot.CodeSizeLimit, "the page exceeds the download limit"), nil
	}

	content, truncated := extract(string(body), parsed)
	payload, err := json.Marshal(map[string]any{
		"url":     params.URL,
		"content": content,
	})
	if err != nil {
		return fail(moonbot.CodeExecutionError, "encode failed"), nil
	}
	return moonbot.ToolResult{
		OK:   true,
		Data: payload,
		Meta: moonbot.ToolMeta{Truncated: truncated},
	}, nil
}

// extract pulls readable text via readability, falling back to the raw
// body, and caps the content length.
func extract(html string, u *url.URL) (string, bool) {
	content := html
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err == nil && article.TextContent != "" {
		content = strings.TrimSpace(article.TextContent)
	}
	if len(content) > maxContentChars {
		return content[:maxContentChars], true
	}
	return content, false
}

// checkHost enforces the policy allow/deny lists and refuses private,
// loopback, and link-local destinations.
func checkHost(host string, policy moonbot.Policy) error {
	for _, blocked := range policy.Denylist {
		if strings.EqualFold(host, blocked) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(blocked)) {
			return fmt.Errorf("this host is blocked")
		}
	}
	if len(policy.Allowlist) > 0 {
		allowed := false
		for _, a := range policy.Allowlist {
			if strings.EqualFold(host, a) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(a)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("this host is not on the allowlist")
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("local and private addresses cannot be fetched")
		}
	}
	if host == "localhost" {
		return fmt.Errorf("local and private addresses cannot be fetched")
	}
	return nil
}

// checkHeaders rejects header names or values that would smuggle extra
// headers or override sensitive ones.
func checkHeaders(headers map[string]string) error {
	for name, value := range headers {
		if strings.ContainsAny(name, "\r\n:") || strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("malformed header %q", name)
		}
		switch strings.ToLower(name) {
		case "host", "content-length", "transfer-encoding":
			return fmt.Errorf("header %q cannot be overridden", name)
		}
	}
	return nil
}

func fail(code, message string) moonbot.ToolResult {
	return moonbot.ToolResult{OK: false, Error: &moonbot.ToolError{Code: code, Message: message}}
}
