package github

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

func init() {
	tracker.RegisterSink("github", func(cfg *tracker.Config) (tracker.SinkTracker, error) {
		token, err := cfg.GetRequired("token")
		if err != nil {
			return nil, fmt.Errorf("GitHub token not configured: %w", err)
		}
		client := NewClient(token)
		if apiURL := cfg.Get("api_url"); apiURL != "" {
			client = client.WithBaseURL(apiURL)
		}
		return NewSink(client), nil
	})
}

// Sink implements tracker.SinkTracker on top of Client.
type Sink struct {
	client *Client
}

// NewSink wraps client as a sink tracker.
func NewSink(client *Client) *Sink {
	return &Sink{client: client}
}

func (s *Sink) Name() string { return "github" }

func (s *Sink) ListLabeled(ctx context.Context, repo, label string) ([]types.SinkIssue, error) {
	issues, err := s.client.ListLabeled(ctx, repo, label)
	if err != nil {
		return nil, requestFailed("list", repo, err)
	}
	out := make([]types.SinkIssue, 0, len(issues))
	for i := range issues {
		si := toSinkIssue(&issues[i])
		// GitHub matches label filters case-insensitively.
		if !hasLabelFold(si.Labels, label) {
			continue
		}
		out = append(out, si)
	}
	return out, nil
}

func (s *Sink) Create(ctx context.Context, repo, title, body, label string) (*types.SinkIssue, error) {
	issue, err := s.client.CreateIssue(ctx, repo, title, body, []string{label})
	if err != nil {
		return nil, requestFailed("create", repo, err)
	}
	si := toSinkIssue(issue)
	return &si, nil
}

func (s *Sink) Update(ctx context.Context, repo string, number int, title, body string) (*types.SinkIssue, error) {
	issue, err := s.client.UpdateIssue(ctx, repo, number, title, body)
	if err != nil {
		return nil, requestFailed("update", repo, err)
	}
	si := toSinkIssue(issue)
	return &si, nil
}

func (s *Sink) SetState(ctx context.Context, repo string, number int, state types.Status) (*types.SinkIssue, error) {
	if !state.IsValid() {
		return nil, requestFailed("set-state", repo, fmt.Errorf("invalid state %q", state))
	}
	issue, err := s.client.SetState(ctx, repo, number, string(state))
	if err != nil {
		return nil, requestFailed("set-state", repo, err)
	}
	si := toSinkIssue(issue)
	return &si, nil
}

func (s *Sink) EnsureLabel(ctx context.Context, repo, label string) error {
	_, err := s.client.GetLabel(ctx, repo, label)
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		err = fmt.Errorf("%w: create label %q on %s first: %w", tracker.ErrLabelMissing, label, repo, err)
	}
	return requestFailed("label", repo, err)
}

func (s *Sink) ListComments(ctx context.Context, repo string, number int) ([]types.SinkComment, error) {
	comments, err := s.client.ListComments(ctx, repo, number)
	if err != nil {
		return nil, requestFailed("list-comments", repo, err)
	}
	out := make([]types.SinkComment, 0, len(comments))
	for i := range comments {
		out = append(out, toSinkComment(&comments[i]))
	}
	return out, nil
}

func (s *Sink) CreateComment(ctx context.Context, repo string, number int, body string) (*types.SinkComment, error) {
	comment, err := s.client.CreateComment(ctx, repo, number, body)
	if err != nil {
		return nil, requestFailed("comment", repo, err)
	}
	sc := toSinkComment(comment)
	return &sc, nil
}

// requestFailed classifies a client error for the retry policy.
// Rate limits, 5xx and transport errors are retryable; other HTTP
// statuses, bad input and context errors are not.
func requestFailed(op, repo string, err error) *tracker.SinkRequestFailed {
	rf := &tracker.SinkRequestFailed{Op: op, Repository: repo, Err: err}

	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		rf.StatusCode = apiErr.StatusCode
		rf.Retryable = apiErr.Temporary()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		rf.Retryable = false
	case isTransportError(err):
		rf.Retryable = true
	}
	return rf
}

func isTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func toSinkIssue(issue *Issue) types.SinkIssue {
	si := types.SinkIssue{
		Number: issue.Number,
		Title:  issue.Title,
		Body:   issue.Body,
		State:  types.ParseStatus(issue.State),
		URL:    issue.HTMLURL,
	}
	if issue.UpdatedAt != nil {
		si.UpdatedAt = issue.UpdatedAt.UTC()
	} else if issue.CreatedAt != nil {
		si.UpdatedAt = issue.CreatedAt.UTC()
	}
	for _, l := range issue.Labels {
		si.Labels = append(si.Labels, l.Name)
	}
	return si
}

func toSinkComment(comment *Comment) types.SinkComment {
	sc := types.SinkComment{ID: comment.ID, Body: comment.Body}
	if comment.CreatedAt != nil {
		sc.CreatedAt = comment.CreatedAt.UTC()
	}
	return sc
}

func hasLabelFold(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
