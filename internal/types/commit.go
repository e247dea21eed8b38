package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxIdentifierLength bounds repository ids and branch names.
	MaxIdentifierLength = 128
	// MaxCommitIDLength bounds commit ids (a full SHA-1 in hex).
	MaxCommitIDLength = 40
	// OrderRange is the multiplier applied to the timestamp when deriving
	// a UUID; Order must stay below it.
	OrderRange = 100
)

// CommitInput carries the raw fields a Commit is built from.
type CommitInput struct {
	RepositoryID string    `json:"repository_id" validate:"required,max=128,repoid"`
	Branch       string    `json:"branch" validate:"required,max=128,branchname"`
	ID           string    `json:"id" validate:"required,max=40,commitid"`
	Revision     *int64    `json:"revision,omitempty" validate:"omitempty,gte=0"`
	Hash         string    `json:"hash,omitempty" validate:"omitempty,max=40,commitid"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`
	Order        int       `json:"order" validate:"gte=0,lt=100"`
	Committer    string    `json:"committer,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Commit identifies one version-control change. It is immutable: build it
// with NewCommit, ParseCommit or CommitFromMap and replace rather than mutate.
//
// Ordering (Less and friends) uses (timestamp, order); identity (Equal, Key)
// uses (repository_id, branch, id) only. Two commits can therefore be Equal
// while one still sorts before the other.
type Commit struct {
	repositoryID string
	branch       string
	id           string
	revision     int64
	hasRevision  bool
	hash         string
	timestamp    time.Time
	order        int
	committer    string
	message      string
}

// NewCommit validates in and derives revision or hash from the id shape
// unless one was supplied explicitly.
func NewCommit(in CommitInput) (Commit, error) {
	if err := getValidator().check(in); err != nil {
		return Commit{}, err
	}

	c := Commit{
		repositoryID: in.RepositoryID,
		branch:       in.Branch,
		id:           in.ID,
		timestamp:    in.Timestamp.UTC().Truncate(time.Second),
		order:        in.Order,
		committer:    in.Committer,
		message:      in.Message,
	}

	switch {
	case in.Revision != nil:
		c.revision = *in.Revision
		c.hasRevision = true
	case in.Hash != "":
		c.hash = strings.ToLower(in.Hash)
	case decimalPattern.MatchString(in.ID):
		rev, err := strconv.ParseInt(in.ID, 10, 64)
		if err != nil {
			return Commit{}, &ValidationError{Field: "id", Reason: "revision out of range"}
		}
		c.revision = rev
		c.hasRevision = true
	default:
		c.hash = strings.ToLower(in.ID)
	}
	return c, nil
}

// ParseCommit decodes the JSON wire form of a commit.
func ParseCommit(data []byte) (Commit, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Commit{}, &ValidationError{Reason: "malformed json: " + err.Error()}
	}
	return CommitFromMap(raw)
}

// CommitFromMap builds a commit from a decoded mapping. Numbers may arrive
// as float64, json.Number, integers or numeric strings.
func CommitFromMap(m map[string]any) (Commit, error) {
	var in CommitInput
	var err error

	if in.RepositoryID, err = stringField(m, "repository_id"); err != nil {
		return Commit{}, err
	}
	if in.Branch, err = stringField(m, "branch"); err != nil {
		return Commit{}, err
	}
	if in.ID, err = idField(m, "id"); err != nil {
		return Commit{}, err
	}
	if in.Hash, err = stringField(m, "hash"); err != nil {
		return Commit{}, err
	}
	if in.Committer, err = stringField(m, "committer"); err != nil {
		return Commit{}, err
	}
	if in.Message, err = stringField(m, "message"); err != nil {
		return Commit{}, err
	}

	if v, ok := m["revision"]; ok && v != nil {
		rev, ok := coerceInt(v)
		if !ok {
			return Commit{}, &ValidationError{Field: "revision", Reason: fmt.Sprintf("%v is not an integer", v)}
		}
		in.Revision = &rev
	}

	if v, ok := m["order"]; ok && v != nil {
		order, ok := coerceInt(v)
		if !ok {
			return Commit{}, &ValidationError{Field: "order", Reason: fmt.Sprintf("%v is not an integer", v)}
		}
		in.Order = int(order)
	}

	v, ok := m["timestamp"]
	if !ok || v == nil {
		return Commit{}, &ValidationError{Field: "timestamp", Reason: "timestamp is a required field"}
	}
	ts, ok := coerceTime(v)
	if !ok {
		return Commit{}, &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("%v is not a timestamp", v)}
	}
	in.Timestamp = ts

	return NewCommit(in)
}

// RepositoryID returns the short repository key.
func (c Commit) RepositoryID() string { return c.repositoryID }

// Branch returns the branch the commit was observed on.
func (c Commit) Branch() string { return c.branch }

// ID returns the commit id as supplied.
func (c Commit) ID() string { return c.id }

// Revision returns the sequential revision and whether one is set.
func (c Commit) Revision() (int64, bool) { return c.revision, c.hasRevision }

// Hash returns the lower-cased hex hash, or "" for revision commits.
func (c Commit) Hash() string { return c.hash }

// Timestamp returns the commit time in UTC, truncated to the second.
func (c Commit) Timestamp() time.Time { return c.timestamp }

// Order returns the tie-breaker among commits sharing a second.
func (c Commit) Order() int { return c.order }

// Committer returns the committer, if known.
func (c Commit) Committer() string { return c.committer }

// Message returns the commit message, if known.
func (c Commit) Message() string { return c.message }

// UUID returns floor(epoch seconds) * 100 + order.
func (c Commit) UUID() int64 {
	return c.timestamp.Unix()*OrderRange + int64(c.order)
}

// CommitKey is the identity of a commit.
type CommitKey struct {
	RepositoryID string
	Branch       string
	ID           string
}

// Key returns the identity tuple, usable as a map key.
func (c Commit) Key() CommitKey {
	return CommitKey{RepositoryID: c.repositoryID, Branch: c.branch, ID: c.id}
}

// Equal reports identity equality over (repository_id, branch, id).
func (c Commit) Equal(other Commit) bool { return c.Key() == other.Key() }

// Less orders by (timestamp, order).
func (c Commit) Less(other Commit) bool { return CompareCommits(c, other) < 0 }

// LessOrEqual orders by (timestamp, order).
func (c Commit) LessOrEqual(other Commit) bool { return CompareCommits(c, other) <= 0 }

// Greater orders by (timestamp, order).
func (c Commit) Greater(other Commit) bool { return CompareCommits(c, other) > 0 }

// GreaterOrEqual orders by (timestamp, order).
func (c Commit) GreaterOrEqual(other Commit) bool { return CompareCommits(c, other) >= 0 }

// CompareCommits compares (timestamp, order); suitable for slices.SortFunc.
func CompareCommits(a, b Commit) int {
	if c := a.timestamp.Compare(b.timestamp); c != 0 {
		return c
	}
	switch {
	case a.order < b.order:
		return -1
	case a.order > b.order:
		return 1
	default:
		return 0
	}
}

// WithOrder returns a copy carrying a different order.
func (c Commit) WithOrder(order int) (Commit, error) {
	if order < 0 || order >= OrderRange {
		return Commit{}, &ValidationError{Field: "order", Reason: fmt.Sprintf("order must be in [0, %d)", OrderRange)}
	}
	c.order = order
	return c, nil
}

// AssignOrder sets Order on commits given in scan order: each commit gets
// the number of earlier commits that share its second. Commits already
// ordered keep their relative position.
func AssignOrder(commits []Commit) ([]Commit, error) {
	seen := make(map[int64]int, len(commits))
	out := make([]Commit, 0, len(commits))
	for _, c := range commits {
		sec := c.timestamp.Unix()
		next, err := c.WithOrder(seen[sec])
		if err != nil {
			return nil, err
		}
		seen[sec]++
		out = append(out, next)
	}
	return out, nil
}

func (c Commit) String() string {
	return c.repositoryID + "@" + c.branch + ":" + c.id
}

// ToMap renders the wire mapping, omitting fields without a value.
func (c Commit) ToMap() map[string]any {
	m := map[string]any{
		"repository_id": c.repositoryID,
		"branch":        c.branch,
		"id":            c.id,
		"timestamp":     c.timestamp.Unix(),
		"order":         c.order,
	}
	if c.hasRevision {
		m["revision"] = c.revision
	}
	if c.hash != "" {
		m["hash"] = c.hash
	}
	if c.committer != "" {
		m["committer"] = c.committer
	}
	if c.message != "" {
		m["message"] = c.message
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (c Commit) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ToMap())
}

// UnmarshalJSON implements json.Unmarshaler with full validation.
func (c *Commit) UnmarshalJSON(data []byte) error {
	parsed, err := ParseCommit(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Field: key, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

// idField accepts numeric ids since SVN revisions often arrive unquoted.
func idField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	if n, ok := coerceInt(v); ok && n >= 0 {
		return strconv.FormatInt(n, 10), nil
	}
	return "", &ValidationError{Field: key, Reason: fmt.Sprintf("expected string, got %T", v)}
}

func coerceInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func coerceTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int, int64, int32:
		n, _ := coerceInt(t)
		return time.Unix(n, 0), true
	case float64:
		return fromFloatSeconds(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		if i, err := t.Int64(); err == nil {
			return time.Unix(i, 0), true
		}
		return fromFloatSeconds(f), true
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return fromFloatSeconds(f), true
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		return ts, err == nil
	default:
		return time.Time{}, false
	}
}

func fromFloatSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second))))
}
