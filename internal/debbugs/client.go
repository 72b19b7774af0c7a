// Package debbugs reads bug reports from a Debian BTS (debbugs) instance
// through its SOAP interface.
package debbugs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultURL is the SOAP endpoint of bugs.debian.org.
	DefaultURL = "https://bugs.debian.org/cgi-bin/soap.cgi"

	// BugURLPrefix is prepended to a bug number to form its web page.
	BugURLPrefix = "https://bugs.debian.org/"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 60 * time.Second

	// StatusBatchSize caps the bug numbers sent in one get_status call.
	StatusBatchSize = 500
)

// Client calls the debbugs SOAP methods.
type Client struct {
	URL        string
	HTTPClient *http.Client
	BatchSize  int
}

// NewClient creates a client for the SOAP endpoint at url.
// An empty url means DefaultURL.
func NewClient(url string) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		BatchSize:  StatusBatchSize,
	}
}

// HTTPError is a non-2xx response that did not carry a SOAP fault.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("debbugs: HTTP %d: %s", e.StatusCode, e.Body)
}

// BugStatus is the summary get_status returns for one bug.
type BugStatus struct {
	ID           int
	Package      string
	Subject      string
	Severity     string
	Originator   string
	Tags         []string
	Done         string
	Pending      string
	Archived     bool
	Date         time.Time
	LastModified time.Time
}

// Closed reports whether the bug is marked done.
func (b *BugStatus) Closed() bool {
	return b.Done != "" || b.Pending == "done"
}

// LogEntry is one message of a bug log.
type LogEntry struct {
	MsgNum int
	Header string
	Body   string
}

func (c *Client) call(ctx context.Context, method string, params ...param) (*node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(buildEnvelope(method, params...)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+soapNamespace+`"`)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	const maxResponseSize = 64 * 1024 * 1024
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	out, perr := parseResponse(data, method)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Faults are delivered with status 500.
		var f *Fault
		if errors.As(perr, &f) {
			return nil, f
		}
		body := strings.TrimSpace(string(data))
		if len(body) > 200 {
			body = body[:200]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	if perr != nil {
		return nil, fmt.Errorf("%s: %w", method, perr)
	}
	return out, nil
}

// GetBugs returns the bug numbers matching query, given as key/value pairs
// such as "package", "foo", "archive", "0".
func (c *Client) GetBugs(ctx context.Context, query ...string) ([]int, error) {
	if len(query)%2 != 0 {
		return nil, fmt.Errorf("get_bugs: odd number of query arguments")
	}
	resp, err := c.call(ctx, "get_bugs", stringArray("query", query...))
	if err != nil {
		return nil, err
	}

	var ids []int
	for _, it := range resp.items() {
		id, err := it.intValue()
		if err != nil {
			return nil, fmt.Errorf("get_bugs: %w: bug number %q", errMalformed, it.value())
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// GetStatus fetches the status of the given bugs, in batches of BatchSize.
// Bugs the server does not know are absent from the result.
func (c *Client) GetStatus(ctx context.Context, ids ...int) ([]BugStatus, error) {
	batch := c.BatchSize
	if batch <= 0 {
		batch = StatusBatchSize
	}

	var out []BugStatus
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		resp, err := c.call(ctx, "get_status", intArray("bugs", ids[start:end]...))
		if err != nil {
			return nil, err
		}
		for _, it := range resp.items() {
			v := it.child("value")
			if v == nil {
				return nil, fmt.Errorf("get_status: %w: item without value", errMalformed)
			}
			st, err := parseStatus(v, it.childText("key"))
			if err != nil {
				return nil, fmt.Errorf("get_status: %w", err)
			}
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func parseStatus(v *node, key string) (BugStatus, error) {
	idText := v.childText("bug_num")
	if idText == "" {
		idText = key
	}
	id, err := strconv.Atoi(idText)
	if err != nil {
		return BugStatus{}, fmt.Errorf("%w: bug number %q", errMalformed, idText)
	}

	st := BugStatus{
		ID:         id,
		Package:    v.childText("package"),
		Subject:    v.childText("subject"),
		Severity:   v.childText("severity"),
		Originator: v.childText("originator"),
		Done:       v.childText("done"),
		Pending:    v.childText("pending"),
	}
	if tags := v.child("tags"); tags != nil {
		st.Tags = tags.list()
	}
	switch strings.ToLower(v.childText("archived")) {
	case "1", "true":
		st.Archived = true
	}
	st.Date = unixField(v, "date")
	st.LastModified = unixField(v, "last_modified")
	return st, nil
}

func unixField(v *node, name string) time.Time {
	s := v.childText(name)
	if s == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// GetBugLog returns the messages of bug id in log order.
func (c *Client) GetBugLog(ctx context.Context, id int) ([]LogEntry, error) {
	resp, err := c.call(ctx, "get_bug_log", intParam("bugnumber", id))
	if err != nil {
		return nil, err
	}
	var out []LogEntry
	for _, it := range resp.items() {
		e := LogEntry{
			Header: it.childText("header"),
			Body:   it.childText("body"),
		}
		if n := it.child("msg_num"); n != nil {
			e.MsgNum, _ = n.intValue()
		}
		out = append(out, e)
	}
	return out, nil
}
