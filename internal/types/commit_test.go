package types

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func mustCommit(t *testing.T, in CommitInput) Commit {
	t.Helper()
	c, err := NewCommit(in)
	if err != nil {
		t.Fatalf("NewCommit: %v", err)
	}
	return c
}

func TestCommitRevisionUUID(t *testing.T) {
	ts := time.Unix(1538052408, 0)
	c := mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "236544", Timestamp: ts})

	rev, ok := c.Revision()
	if !ok || rev != 236544 {
		t.Fatalf("expected revision 236544, got %d (%t)", rev, ok)
	}
	if c.Hash() != "" {
		t.Fatalf("expected no hash for decimal id, got %q", c.Hash())
	}
	if c.UUID() != 153805240800 {
		t.Fatalf("unexpected uuid %d", c.UUID())
	}

	sibling := mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "236545", Timestamp: ts, Order: 1})
	if sibling.UUID() != 153805240801 {
		t.Fatalf("unexpected sibling uuid %d", sibling.UUID())
	}
	if !c.Less(sibling) || sibling.Less(c) {
		t.Fatalf("expected order tie-break to sort order=0 first")
	}
}

func TestCommitHashNormalized(t *testing.T) {
	c := mustCommit(t, CommitInput{
		RepositoryID: "safari",
		Branch:       "main",
		ID:           "D8BCE26FA65C6FC8F39C17927ABB77F69FAB82FC",
		Timestamp:    time.Unix(1601668000, 0),
	})
	if c.Hash() != "d8bce26fa65c6fc8f39c17927abb77f69fab82fc" {
		t.Fatalf("expected lower-cased hash, got %q", c.Hash())
	}
	if _, ok := c.Revision(); ok {
		t.Fatalf("expected no revision for hex id")
	}
}

func TestCommitValidation(t *testing.T) {
	ts := time.Unix(1538052408, 0)
	cases := []struct {
		name  string
		in    CommitInput
		field string
	}{
		{"missing repository", CommitInput{Branch: "trunk", ID: "1", Timestamp: ts}, "repository_id"},
		{"bad repository", CommitInput{RepositoryID: "web kit", Branch: "trunk", ID: "1", Timestamp: ts}, "repository_id"},
		{"long repository", CommitInput{RepositoryID: strings.Repeat("a", 129), Branch: "trunk", ID: "1", Timestamp: ts}, "repository_id"},
		{"missing branch", CommitInput{RepositoryID: "webkit", ID: "1", Timestamp: ts}, "branch"},
		{"bad branch", CommitInput{RepositoryID: "webkit", Branch: "eng/feature branch", ID: "1", Timestamp: ts}, "branch"},
		{"missing id", CommitInput{RepositoryID: "webkit", Branch: "trunk", Timestamp: ts}, "id"},
		{"non hex id", CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "xyz", Timestamp: ts}, "id"},
		{"long id", CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: strings.Repeat("a", 41), Timestamp: ts}, "id"},
		{"missing timestamp", CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "1"}, "timestamp"},
		{"negative order", CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "1", Timestamp: ts, Order: -1}, "order"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCommit(tc.in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("expected field %q, got %q (%s)", tc.field, ve.Field, ve.Reason)
			}
		})
	}
}

func TestCommitEqualityIgnoresOrdering(t *testing.T) {
	a := mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "100", Timestamp: time.Unix(10, 0)})
	b := mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "100", Timestamp: time.Unix(20, 0), Order: 3})

	if !a.Equal(b) {
		t.Fatalf("expected identity equality")
	}
	if a.Key() != b.Key() {
		t.Fatalf("expected identical keys")
	}
	if !a.Less(b) {
		t.Fatalf("expected a < b by timestamp despite equality")
	}

	seen := map[CommitKey]Commit{a.Key(): a}
	if _, ok := seen[b.Key()]; !ok {
		t.Fatalf("expected map lookup by identity")
	}
}

func TestCommitOrderingTotality(t *testing.T) {
	base := time.Unix(1538052408, 0)
	var commits []Commit
	for i := 0; i < 5; i++ {
		for order := 0; order < 3; order++ {
			commits = append(commits, mustCommit(t, CommitInput{
				RepositoryID: "webkit",
				Branch:       "trunk",
				ID:           "1",
				Timestamp:    base.Add(time.Duration(i) * time.Second),
				Order:        order,
			}))
		}
	}

	for i, a := range commits {
		for j, b := range commits {
			if i == j {
				continue
			}
			if a.Less(b) == b.Less(a) {
				t.Fatalf("expected exactly one of a<b, b<a for %d,%d", i, j)
			}
			if !a.LessOrEqual(b) && !b.LessOrEqual(a) {
				t.Fatalf("expected a<=b or b<=a")
			}
			if a.Less(b) && a.UUID() >= b.UUID() {
				t.Fatalf("uuid not monotonic: %d >= %d", a.UUID(), b.UUID())
			}
			if a.Greater(b) != b.Less(a) || a.GreaterOrEqual(b) != b.LessOrEqual(a) {
				t.Fatalf("Greater inconsistent with Less")
			}
		}
	}

	shuffled := slices.Clone(commits)
	slices.Reverse(shuffled)
	slices.SortFunc(shuffled, CompareCommits)
	for i := range shuffled {
		if shuffled[i].UUID() != commits[i].UUID() {
			t.Fatalf("sort mismatch at %d", i)
		}
	}
}

func TestAssignOrder(t *testing.T) {
	ts := time.Unix(1538052408, 0)
	in := []Commit{
		mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "main", ID: "aaaa", Timestamp: ts}),
		mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "main", ID: "bbbb", Timestamp: ts}),
		mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "main", ID: "cccc", Timestamp: ts.Add(time.Second)}),
		mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "main", ID: "dddd", Timestamp: ts}),
	}
	out, err := AssignOrder(in)
	if err != nil {
		t.Fatalf("AssignOrder: %v", err)
	}
	want := []int{0, 1, 0, 2}
	for i, c := range out {
		if c.Order() != want[i] {
			t.Fatalf("commit %d: expected order %d, got %d", i, want[i], c.Order())
		}
	}
	if in[1].Order() != 0 {
		t.Fatalf("AssignOrder mutated its input")
	}
}

func TestCommitJSONRoundTrip(t *testing.T) {
	c := mustCommit(t, CommitInput{
		RepositoryID: "webkit",
		Branch:       "trunk",
		ID:           "236544",
		Timestamp:    time.Unix(1538052408, 0),
		Committer:    "jbedard@apple.com",
	})

	payload, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(payload)
	for _, absent := range []string{"hash", "message", "null"} {
		if strings.Contains(body, absent) {
			t.Fatalf("expected %q to be omitted: %s", absent, body)
		}
	}
	if !strings.Contains(body, `"timestamp":1538052408`) {
		t.Fatalf("expected epoch seconds timestamp: %s", body)
	}

	var back Commit
	if err := json.Unmarshal(payload, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(c) || back.UUID() != c.UUID() || back.Committer() != c.Committer() {
		t.Fatalf("round trip mismatch: %v vs %v", back, c)
	}
	if rev, ok := back.Revision(); !ok || rev != 236544 {
		t.Fatalf("revision lost in round trip")
	}
}

func TestParseCommitCoercion(t *testing.T) {
	c, err := ParseCommit([]byte(`{"repository_id":"webkit","branch":"trunk","id":236544,"revision":"236544","timestamp":"1538052408","order":"1"}`))
	if err != nil {
		t.Fatalf("ParseCommit: %v", err)
	}
	if c.ID() != "236544" || c.Order() != 1 {
		t.Fatalf("unexpected parse result %v order=%d", c, c.Order())
	}

	_, err = ParseCommit([]byte(`{"repository_id":"webkit","branch":"trunk","id":"236544","revision":"abc","timestamp":1}`))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "revision" {
		t.Fatalf("expected revision ValidationError, got %v", err)
	}

	_, err = ParseCommit([]byte(`{"repository_id":"webkit","branch":"trunk","id":"236544"}`))
	if !errors.As(err, &ve) || ve.Field != "timestamp" {
		t.Fatalf("expected timestamp ValidationError, got %v", err)
	}

	_, err = ParseCommit([]byte(`{"repository_id":"webkit","branch":"trunk","id":"abc","hash":"not-hex","timestamp":1}`))
	if !errors.As(err, &ve) || ve.Field != "hash" {
		t.Fatalf("expected hash ValidationError, got %v", err)
	}
}

func TestSubSecondTimestampsFollowUUIDOrder(t *testing.T) {
	a := mustCommit(t, CommitInput{
		RepositoryID: "webkit",
		Branch:       "trunk",
		ID:           "aaaa",
		Timestamp:    time.Unix(1538052408, 100_000_000),
		Order:        1,
	})
	b := mustCommit(t, CommitInput{
		RepositoryID: "webkit",
		Branch:       "trunk",
		ID:           "bbbb",
		Timestamp:    time.Unix(1538052408, 900_000_000),
	})
	if a.UUID() != 153805240801 || b.UUID() != 153805240800 {
		t.Fatalf("unexpected uuids %d %d", a.UUID(), b.UUID())
	}
	if !b.Less(a) || a.Less(b) {
		t.Fatalf("ordering disagrees with uuid: a<b=%t b<a=%t", a.Less(b), b.Less(a))
	}
	if ts, ok := a.ToMap()["timestamp"].(int64); !ok || ts != 1538052408 {
		t.Fatalf("expected whole epoch seconds, got %v", a.ToMap()["timestamp"])
	}

	parsed, err := ParseCommit([]byte(`{"repository_id":"webkit","branch":"trunk","id":"1","timestamp":1538052408.75}`))
	if err != nil {
		t.Fatalf("ParseCommit: %v", err)
	}
	if parsed.Timestamp().Nanosecond() != 0 || parsed.UUID() != 153805240800 {
		t.Fatalf("expected truncated timestamp, got %s", parsed.Timestamp())
	}

	later := mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "cccc", Timestamp: time.Unix(100, 900_000_000)})
	earlier := mustCommit(t, CommitInput{RepositoryID: "webkit", Branch: "trunk", ID: "dddd", Timestamp: time.Unix(100, 100_000_000)})
	out, err := AssignOrder([]Commit{later, earlier})
	if err != nil {
		t.Fatalf("AssignOrder: %v", err)
	}
	if !out[0].Less(out[1]) || out[0].UUID() >= out[1].UUID() {
		t.Fatalf("scan order lost: %d %d", out[0].UUID(), out[1].UUID())
	}
}
