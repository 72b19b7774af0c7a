package debbugs

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

// logFetchConcurrency bounds parallel get_bug_log calls within one fetch.
const logFetchConcurrency = 4

func init() {
	tracker.RegisterSource("debbugs", func(cfg *tracker.Config) (tracker.SourceTracker, error) {
		src := NewSource(NewClient(cfg.Get("url")), nil)
		src.FetchBugLogs = cfg.GetBool("fetch_bug_logs", true)
		src.MirrorComments = cfg.GetBool("mirror_comments", true)
		return src, nil
	})
}

// Source implements tracker.SourceTracker for debbugs.
type Source struct {
	client *Client
	log    *slog.Logger

	// FetchBugLogs fills SourceBug.Body from the first message of each
	// bug log. One extra request per uncached bug.
	FetchBugLogs bool

	// MirrorComments fills SourceBug.Messages from the rest of the log.
	// It has no effect without FetchBugLogs.
	MirrorComments bool

	mu   sync.Mutex
	logs map[int]bugLog
}

// bugLog is a parsed bug log, valid while the bug's last_modified stamp
// is unchanged.
type bugLog struct {
	modified time.Time
	body     string
	messages []types.BugMessage
}

// NewSource wraps client. A nil logger discards output.
func NewSource(client *Client, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{client: client, log: logger, logs: make(map[int]bugLog)}
}

func (s *Source) Name() string { return "debbugs" }

// SetLogger replaces the source logger.
func (s *Source) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.log = logger
	}
}

// Fetch returns the non-archived bugs of pkg in ascending bug order.
func (s *Source) Fetch(ctx context.Context, pkg string) ([]types.SourceBug, error) {
	unavailable := func(err error) error {
		return &tracker.SourceUnavailable{Package: pkg, Err: err}
	}

	ids, err := s.client.GetBugs(ctx, "package", pkg, "archive", "0")
	if err != nil {
		return nil, unavailable(err)
	}
	s.log.Debug("bugs listed", "package", pkg, "count", len(ids))
	if len(ids) == 0 {
		return nil, nil
	}

	statuses, err := s.client.GetStatus(ctx, ids...)
	if err != nil {
		return nil, unavailable(err)
	}

	bugs := make([]types.SourceBug, 0, len(statuses))
	for i := range statuses {
		st := &statuses[i]
		if st.Archived {
			continue
		}
		bugs = append(bugs, toSourceBug(pkg, st))
	}

	if s.FetchBugLogs {
		if err := s.fillLogs(ctx, bugs); err != nil {
			return nil, unavailable(err)
		}
	}

	types.SortBugs(bugs)
	return bugs, nil
}

// fillLogs sets each bug body from its first log message, and its
// follow-up messages when MirrorComments is on.
// A failure for any bug fails the whole snapshot: a partial body would
// read as an edit and be pushed to the sink.
func (s *Source) fillLogs(ctx context.Context, bugs []types.SourceBug) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(logFetchConcurrency)

	for i := range bugs {
		bug := &bugs[i]
		id, err := strconv.Atoi(bug.ID)
		if err != nil {
			_ = g.Wait()
			return fmt.Errorf("%w: bug id %q", errMalformed, bug.ID)
		}
		if l, ok := s.cachedLog(id, bug.LastModified); ok {
			s.apply(bug, l)
			continue
		}
		g.Go(func() error {
			entries, err := s.client.GetBugLog(gctx, id)
			if err != nil {
				return fmt.Errorf("bug log #%d: %w", id, err)
			}
			l := bugLog{modified: bug.LastModified}
			if len(entries) > 0 {
				l.body = entries[0].Body
				l.messages = s.followUps(id, entries[1:])
			}
			s.storeLog(id, l)
			s.apply(bug, l)
			return nil
		})
	}
	return g.Wait()
}

func (s *Source) apply(bug *types.SourceBug, l bugLog) {
	bug.Body = l.body
	if s.MirrorComments {
		bug.Messages = l.messages
	}
}

// followUps converts the replies of a bug log. A message without a
// Message-ID could not be recognized on the sink later, so it is skipped.
func (s *Source) followUps(id int, entries []LogEntry) []types.BugMessage {
	var out []types.BugMessage
	for _, e := range entries {
		msgID, author := parseHeader(e.Header)
		if msgID == "" {
			s.log.Debug("bug log message without Message-ID", "bug", id, "msg_num", e.MsgNum)
			continue
		}
		out = append(out, types.BugMessage{ID: msgID, Author: author, Body: e.Body})
	}
	return out
}

func (s *Source) cachedLog(id int, modified time.Time) (bugLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok || !l.modified.Equal(modified) {
		return bugLog{}, false
	}
	return l, true
}

func (s *Source) storeLog(id int, l bugLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = l
}

// parseHeader returns the Message-ID and sender of a stored message
// header. Both are empty when the header cannot be parsed.
func parseHeader(raw string) (msgID, from string) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if strings.HasPrefix(raw, "From ") {
		// mbox envelope line
		_, raw, _ = strings.Cut(raw, "\n")
	}
	msg, err := mail.ReadMessage(strings.NewReader(strings.TrimRight(raw, "\n") + "\n\n"))
	if err != nil {
		return "", ""
	}
	msgID = strings.TrimSpace(msg.Header.Get("Message-Id"))
	from = strings.TrimSpace(msg.Header.Get("From"))
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
		if addr.Name != "" {
			from = addr.Name + " <" + addr.Address + ">"
		}
	}
	return msgID, from
}

func toSourceBug(pkg string, st *BugStatus) types.SourceBug {
	status := types.StatusOpen
	if st.Closed() {
		status = types.StatusClosed
	}
	id := strconv.Itoa(st.ID)
	bugPkg := st.Package
	if bugPkg == "" {
		bugPkg = pkg
	}
	return types.SourceBug{
		ID:           id,
		Package:      bugPkg,
		Title:        st.Subject,
		Status:       status,
		LastModified: st.LastModified,
		Severity:     st.Severity,
		Submitter:    st.Originator,
		Tags:         st.Tags,
		URL:          BugURLPrefix + id,
	}
}
