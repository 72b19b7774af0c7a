package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// NewClient creates a new GitHub client.
func NewClient(token string) *Client {
	return &Client{
		Token:   token,
		BaseURL: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limits: newRateLimitTracker(),
	}
}

// WithHTTPClient returns a new client with a custom HTTP client.
// The rate limit state is shared with c.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	return &Client{
		Token:      c.Token,
		BaseURL:    c.BaseURL,
		HTTPClient: httpClient,
		limits:     c.limits,
	}
}

// WithBaseURL returns a new client with a custom base URL (for testing or GitHub Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	return &Client{
		Token:      c.Token,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: c.HTTPClient,
		limits:     c.limits,
	}
}

// SplitRepository validates an "owner/name" repository reference.
func SplitRepository(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", repo)
	}
	return owner, name, nil
}

// repoPath returns the API path of repo, escaping each segment.
func repoPath(repo string) (string, error) {
	owner, name, err := SplitRepository(repo)
	if err != nil {
		return "", err
	}
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name), nil
}

// buildURL constructs a full API URL.
func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path

	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}

	return u
}

// doRequest performs one authenticated HTTP request. It does not retry:
// a non-2xx response comes back as *APIError and the caller decides.
// It does wait first if the last response said the quota is spent.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, body interface{}) ([]byte, http.Header, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	if err := c.limits.wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", APIVersion)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Method: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	const maxResponseSize = 50 * 1024 * 1024
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, &TransportError{Method: method, Err: fmt.Errorf("read response: %w", err)}
	}

	c.limits.update(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, c.newAPIError(resp, respBody)
	}

	return respBody, resp.Header, nil
}

func (c *Client) newAPIError(resp *http.Response, respBody []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var eb errorBody
	if err := json.Unmarshal(respBody, &eb); err == nil && eb.Message != "" {
		apiErr.Message = eb.Message
		apiErr.DocumentationURL = eb.DocumentationURL
		apiErr.Errors = eb.Errors
	} else {
		apiErr.Message = strings.TrimSpace(string(respBody))
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		apiErr.RateLimited = true
	case http.StatusForbidden:
		apiErr.RateLimited = resp.Header.Get("X-RateLimit-Remaining") == "0" || isRateLimitMessage(apiErr.Message)
	}
	if apiErr.RateLimited {
		apiErr.RetryAfter = c.limits.retryAfter(resp.Header)
		c.limits.holdFor(apiErr.RetryAfter)
	}
	return apiErr
}

// linkNextPattern matches the "next" relation in GitHub Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// hasNextPage checks the Link header for a next page URL and returns it.
func hasNextPage(headers http.Header) (string, bool) {
	link := headers.Get("Link")
	if link == "" {
		return "", false
	}
	matches := linkNextPattern.FindStringSubmatch(link)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

// ListLabeled retrieves open and closed issues of repo carrying label.
// Pull requests are filtered out.
func (c *Client) ListLabeled(ctx context.Context, repo, label string) ([]Issue, error) {
	path, err := repoPath(repo)
	if err != nil {
		return nil, err
	}

	var allIssues []Issue
	page := 1

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := map[string]string{
			"state":    "all",
			"labels":   label,
			"per_page": strconv.Itoa(MaxPageSize),
			"page":     strconv.Itoa(page),
		}

		urlStr := c.buildURL(path+"/issues", params)
		respBody, headers, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch issues: %w", err)
		}

		var issues []Issue
		if err := json.Unmarshal(respBody, &issues); err != nil {
			return nil, fmt.Errorf("failed to parse issues response: %w", err)
		}

		for i := range issues {
			if issues[i].PullRequest == nil {
				allIssues = append(allIssues, issues[i])
			}
		}

		if _, ok := hasNextPage(headers); !ok {
			break
		}
		page++

		if page > MaxPages {
			return nil, fmt.Errorf("pagination limit exceeded: stopped after %d pages", MaxPages)
		}
	}

	return allIssues, nil
}

// CreateIssue creates a new issue in repo.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error) {
	path, err := repoPath(repo)
	if err != nil {
		return nil, err
	}

	reqBody := IssueRequest{Title: &title, Body: &body, Labels: labels}
	respBody, _, err := c.doRequest(ctx, http.MethodPost, c.buildURL(path+"/issues", nil), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}

	var issue Issue
	if err := json.Unmarshal(respBody, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}
	return &issue, nil
}

// EditIssue patches an existing issue. GitHub uses PATCH for issue updates.
func (c *Client) EditIssue(ctx context.Context, repo string, number int, edit IssueRequest) (*Issue, error) {
	path, err := repoPath(repo)
	if err != nil {
		return nil, err
	}

	urlStr := c.buildURL(path+"/issues/"+strconv.Itoa(number), nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPatch, urlStr, edit)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue #%d: %w", number, err)
	}

	var issue Issue
	if err := json.Unmarshal(respBody, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}
	return &issue, nil
}

// UpdateIssue replaces the title and body of issue number.
func (c *Client) UpdateIssue(ctx context.Context, repo string, number int, title, body string) (*Issue, error) {
	return c.EditIssue(ctx, repo, number, IssueRequest{Title: &title, Body: &body})
}

// SetState opens or closes issue number. state is "open" or "closed".
func (c *Client) SetState(ctx context.Context, repo string, number int, state string) (*Issue, error) {
	return c.EditIssue(ctx, repo, number, IssueRequest{State: &state})
}

// GetLabel fetches a label by name.
func (c *Client) GetLabel(ctx context.Context, repo, name string) (*Label, error) {
	path, err := repoPath(repo)
	if err != nil {
		return nil, err
	}

	urlStr := c.buildURL(path+"/labels/"+url.PathEscape(name), nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch label %q: %w", name, err)
	}

	var label Label
	if err := json.Unmarshal(respBody, &label); err != nil {
		return nil, fmt.Errorf("failed to parse label response: %w", err)
	}
	return &label, nil
}

// ListComments retrieves every comment on issue number, oldest first.
func (c *Client) ListComments(ctx context.Context, repo string, number int) ([]Comment, error) {
	path, err := repoPath(repo)
	if err != nil {
		return nil, err
	}

	var all []Comment
	for page := 1; ; page++ {
		if page > MaxPages {
			return nil, fmt.Errorf("pagination limit exceeded: stopped after %d pages", MaxPages)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := map[string]string{
			"per_page": strconv.Itoa(MaxPageSize),
			"page":     strconv.Itoa(page),
		}
		urlStr := c.buildURL(path+"/issues/"+strconv.Itoa(number)+"/comments", params)
		respBody, headers, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch comments of #%d: %w", number, err)
		}

		var comments []Comment
		if err := json.Unmarshal(respBody, &comments); err != nil {
			return nil, fmt.Errorf("failed to parse comments response: %w", err)
		}
		all = append(all, comments...)

		if _, ok := hasNextPage(headers); !ok {
			return all, nil
		}
	}
}

// CreateComment adds a comment to issue number.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	path, err := repoPath(repo)
	if err != nil {
		return nil, err
	}

	urlStr := c.buildURL(path+"/issues/"+strconv.Itoa(number)+"/comments", nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPost, urlStr, map[string]string{"body": body})
	if err != nil {
		return nil, fmt.Errorf("failed to comment on #%d: %w", number, err)
	}

	var comment Comment
	if err := json.Unmarshal(respBody, &comment); err != nil {
		return nil, fmt.Errorf("failed to parse comment response: %w", err)
	}
	return &comment, nil
}
