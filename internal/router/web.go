package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/providers"
	"github.com/nextlevelbuilder/quorum/internal/secrets"
)

const fetchUserAgent = "Mozilla/5.0 (compatible; quorum/1.0)"

var webClient = &http.Client{
	Timeout: 30 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("%w: too many redirects", ErrRequestFailed)
		}
		return nil
	},
}

// truncate caps s at the configured byte limit, inserting an explicit
// marker so the model knows content is missing.
func (r *Router) truncate(s string) (string, bool) {
	maxBytes := r.deps.Config.MaxResultBytes
	if maxBytes <= 0 {
		maxBytes = 50_000
	}
	if len(s) <= maxBytes {
		return s, false
	}
	dropped := len(s) - maxBytes
	return s[:maxBytes] + fmt.Sprintf("\n[truncated: %d bytes omitted]", dropped), true
}

func (r *Router) handleFetchWeb(ctx context.Context, p action.Params) Outcome {
	rawURL := getStr(p, "url")
	format := getStr(p, "format")
	if format == "" {
		format = "text"
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fail(fmt.Errorf("%w: invalid url %q", ErrRequestFailed, rawURL))
	}

	ctx, cancel := r.timeoutCtx(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := webClient.Do(req)
	if err != nil {
		return fail(classifyTransport(err))
	}
	defer resp.Body.Close()

	maxBytes := r.deps.Config.MaxResultBytes
	if maxBytes <= 0 {
		maxBytes = 50_000
	}
	// Read up to four times the cap: HTML reduction runs first and
	// truncate applies the cap (and its marker) afterwards.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)*4))
	if err != nil {
		return fail(fmt.Errorf("%w: read body: %v", ErrRequestFailed, err))
	}

	if resp.StatusCode >= 400 {
		return fail(httpStatusError(resp.StatusCode, string(body)))
	}

	content := string(body)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") && format != "json" {
		content = htmlToText(content)
	}
	content, truncated := r.truncate(content)

	return success(action.MapOf(map[string]action.Value{
		"url":          action.Str(rawURL),
		"status":       action.Int(int64(resp.StatusCode)),
		"content_type": action.Str(contentType),
		"content":      action.Str(content),
		"truncated":    action.Bool(truncated),
	}), fmt.Sprintf("fetched %s (%d)", rawURL, resp.StatusCode))
}

func (r *Router) handleCallAPI(ctx context.Context, p action.Params) Outcome {
	res := secrets.NewResolution()

	rawURL, err := r.deps.Vault.Resolve(ctx, getStr(p, "url"), res)
	if err != nil {
		return fail(err)
	}
	method := getStr(p, "method")
	if method == "" {
		method = http.MethodGet
	}
	body, err := r.deps.Vault.Resolve(ctx, getStr(p, "body"), res)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := r.timeoutCtx(ctx)
	defer cancel()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestFailed, err))
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	if headersVal, ok := p["headers"]; ok && headersVal.Kind == action.KindMap {
		for name, v := range headersVal.Map {
			if v.Kind != action.KindString {
				continue
			}
			resolved, err := r.deps.Vault.Resolve(ctx, v.S, res)
			if err != nil {
				return fail(err)
			}
			req.Header.Set(name, resolved)
		}
	}

	resp, err := webClient.Do(req)
	if err != nil {
		// Scrubbing is total: transport errors can echo the URL.
		scrubbed := classifyTransport(err)
		return Outcome{Err: FailureCode(scrubbed), Summary: res.Scrub(scrubbed.Error())}
	}
	defer resp.Body.Close()

	maxBytes := r.deps.Config.MaxResultBytes
	if maxBytes <= 0 {
		maxBytes = 50_000
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)*4))
	if err != nil {
		return fail(fmt.Errorf("%w: read body: %v", ErrRequestFailed, err))
	}

	content := res.Scrub(string(respBody))
	content, truncated := r.truncate(content)

	headers := map[string]action.Value{}
	for name := range resp.Header {
		headers[name] = action.Str(res.Scrub(resp.Header.Get(name)))
	}

	outcome := success(action.MapOf(map[string]action.Value{
		"url":       action.Str(res.Scrub(rawURL)),
		"status":    action.Int(int64(resp.StatusCode)),
		"headers":   action.MapOf(headers),
		"body":      action.Str(content),
		"truncated": action.Bool(truncated),
	}), fmt.Sprintf("%s %s -> %d", method, res.Scrub(rawURL), resp.StatusCode))

	if resp.StatusCode >= 400 {
		outcome.Err = FailureCode(httpStatusError(resp.StatusCode, ""))
	}
	return outcome
}

func classifyTransport(err error) error {
	code := FailureCode(err)
	switch code {
	case "request_timeout":
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	case "connection_refused":
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	case "endpoint_unreachable":
		return fmt.Errorf("%w: %v", ErrEndpointUnreachable, err)
	default:
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
}

func httpStatusError(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("http %d: %w", status, providers.ErrAuthenticationFailed)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("http %d: %w", status, providers.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("http %d: %w", status, providers.ErrServiceUnavailable)
	default:
		return fmt.Errorf("%w: http %d: %s", ErrRequestFailed, status, truncateShort(body, 200))
	}
}

var (
	tagPattern    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	markupPattern = regexp.MustCompile(`<[^>]+>`)
	spacePattern  = regexp.MustCompile(`\n{3,}`)
)

// htmlToText strips markup for model consumption. Deliberately crude;
// structured extraction is the fetch target's job, not ours.
func htmlToText(html string) string {
	text := tagPattern.ReplaceAllString(html, " ")
	text = markupPattern.ReplaceAllString(text, "\n")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = strings.ReplaceAll(text, "&#39;", "'")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return spacePattern.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}

func truncateShort(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
