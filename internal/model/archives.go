package model

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/onexay/commitvault/internal/cache"
	"github.com/onexay/commitvault/internal/faults"
	"github.com/onexay/commitvault/internal/storage"
	"github.com/onexay/commitvault/internal/types"
)

const (
	indexPrefix   = "archive-index:"
	expireLockKey = "archives:expire"
	expireLockTTL = 10 * time.Minute
)

var suitePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-.]{1,128}$`)

// IndexEntry is one archive registered against a commit.
type IndexEntry struct {
	CommitID string `json:"commit_id"`
	UUID     int64  `json:"uuid"`
	Digest   string `json:"digest"`
	Size     int64  `json:"size"`
}

func indexKey(repo, branch, suite string) string {
	return indexPrefix + repo + ":" + branch + ":" + suite
}

func indexMember(c types.Commit, digest string, size int) string {
	return c.ID() + ":" + digest + ":" + strconv.Itoa(size)
}

func parseIndexMember(member string, score float64) (IndexEntry, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 3 {
		return IndexEntry{}, fmt.Errorf("malformed index member %q", member)
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("malformed index member %q", member)
	}
	return IndexEntry{CommitID: parts[0], UUID: int64(score), Digest: parts[1], Size: size}, nil
}

// SaveArchive stores payload without indexing it.
func (m *Model) SaveArchive(ctx context.Context, payload []byte) (string, error) {
	return m.archives.Save(ctx, payload)
}

// RegisterArchive stores payload as the suite results for commit. In async
// mode the work is queued for DoProcessingWork and queued is true; the
// returned digest is valid either way.
func (m *Model) RegisterArchive(ctx context.Context, commit types.Commit, suite string, payload []byte) (digest string, queued bool, err error) {
	if !suitePattern.MatchString(suite) {
		return "", false, &types.ValidationError{Field: "suite", Reason: "suite must match " + suitePattern.String()}
	}

	if !m.async {
		digest, err = m.archives.Save(ctx, payload)
		if err != nil {
			return "", false, err
		}
		if err := m.index(ctx, commit, suite, digest, len(payload)); err != nil {
			return "", false, err
		}
		return digest, false, nil
	}

	digest = storage.Digest(payload)
	raw, err := encodeJob(newJob(commit, suite, digest, payload, m.clock.Now()))
	if err != nil {
		return "", false, err
	}
	if err := m.cache.RPush(ctx, pendingKey, raw); err != nil {
		return "", false, err
	}
	m.log.Debug().Str("commit", commit.String()).Str("suite", suite).Str("digest", digest).Msg("archive queued")
	return digest, true, nil
}

// DoProcessingWork handles one queued registration. It returns false when
// the queue is empty. A job whose save or index step fails on transport is
// pushed back.
func (m *Model) DoProcessingWork(ctx context.Context) (bool, error) {
	if !m.async {
		return false, &faults.ConfigurationError{Message: "processing work requested but async processing is disabled"}
	}
	raw, err := m.cache.LPop(ctx, pendingKey)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}

	job, err := decodeJob(raw)
	if err != nil {
		m.log.Error().Err(err).Msg("dropping undecodable pending archive")
		return true, fmt.Errorf("decode pending archive: %w", err)
	}
	commit, err := job.commit()
	if err != nil {
		m.log.Error().Err(err).Str("digest", job.Digest).Msg("dropping pending archive with invalid commit")
		return true, err
	}

	digest, err := m.archives.Save(ctx, job.Payload)
	if err != nil {
		m.requeue(ctx, raw, job.Digest, err)
		return true, err
	}
	if digest != job.Digest {
		return true, &storage.IntegrityError{Digest: job.Digest, Reason: "queued payload hashes to " + digest}
	}
	if err := m.index(ctx, commit, job.Suite, digest, len(job.Payload)); err != nil {
		m.requeue(ctx, raw, job.Digest, err)
		return true, err
	}

	m.log.Info().
		Str("commit", commit.String()).
		Str("suite", job.Suite).
		Str("digest", digest).
		Dur("queued_for", m.clock.Now().Sub(time.Unix(0, job.Queued))).
		Msg("processed pending archive")
	return true, nil
}

// requeue pushes raw back onto the queue when cause is a transport failure.
// Saving is idempotent by digest, so a retried job only redoes the index.
func (m *Model) requeue(ctx context.Context, raw []byte, digest string, cause error) {
	if !faults.IsTransport(cause) {
		return
	}
	if err := m.cache.RPush(context.WithoutCancel(ctx), pendingKey, raw); err != nil {
		m.log.Error().Err(err).Str("digest", digest).Msg("failed to requeue pending archive")
	}
}

// Pending returns the queue length.
func (m *Model) Pending(ctx context.Context) (int64, error) {
	return m.cache.LLen(ctx, pendingKey)
}

func (m *Model) index(ctx context.Context, commit types.Commit, suite, digest string, size int) error {
	key := indexKey(commit.RepositoryID(), commit.Branch(), suite)
	return m.cache.ZAdd(ctx, key, float64(commit.UUID()), indexMember(commit, digest, size))
}

// ArchivesFor lists archives registered for repo/branch/suite whose commit
// falls between begin and end inclusive. Nil bounds are open.
func (m *Model) ArchivesFor(ctx context.Context, repo, branch, suite string, begin, end *types.Commit) ([]IndexEntry, error) {
	lo, hi := "-inf", "+inf"
	if begin != nil {
		lo = strconv.FormatInt(begin.UUID(), 10)
	}
	if end != nil {
		hi = strconv.FormatInt(end.UUID(), 10)
	}
	members, err := m.cache.ZRangeByScore(ctx, indexKey(repo, branch, suite), lo, hi)
	if err != nil {
		return nil, err
	}
	out := make([]IndexEntry, 0, len(members))
	for _, z := range members {
		e, err := parseIndexMember(z.Member, z.Score)
		if err != nil {
			m.log.Warn().Err(err).Msg("skipping index entry")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Suites lists the suites with archives on repo/branch.
func (m *Model) Suites(ctx context.Context, repo, branch string) ([]string, error) {
	prefix := indexKey(repo, branch, "")
	keys, err := m.cache.Scan(ctx, escapeGlob(prefix)+"*")
	if err != nil {
		return nil, err
	}
	suites := make([]string, 0, len(keys))
	for _, k := range keys {
		suites = append(suites, strings.TrimPrefix(k, prefix))
	}
	return suites, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Retrieve returns the archive for digest, nil when missing.
func (m *Model) Retrieve(ctx context.Context, digest string, size *int64) ([]byte, error) {
	return m.archives.Retrieve(ctx, digest, size)
}

// CompareArchives returns a unified diff of two archives, empty when they
// are identical.
func (m *Model) CompareArchives(ctx context.Context, from, to string) (string, error) {
	var a, b []byte
	err := m.archives.WithSession(ctx, func(ctx context.Context) error {
		var err error
		if a, err = m.archives.Retrieve(ctx, from, nil); err != nil {
			return err
		}
		if a == nil {
			return &storage.NotFoundError{Resource: "archive", Key: from}
		}
		if b, err = m.archives.Retrieve(ctx, to, nil); err != nil {
			return err
		}
		if b == nil {
			return &storage.NotFoundError{Resource: "archive", Key: to}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return computeDiff(string(a), string(b), shortDigest(from), shortDigest(to))
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func computeDiff(previous, current, fromName, toName string) (string, error) {
	if previous == current {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}

// Expire removes archives past the bucket horizon. Only one process sweeps
// at a time; others return (0, nil).
func (m *Model) Expire(ctx context.Context) (int, error) {
	lock, err := m.cache.Lock(ctx, expireLockKey, expireLockTTL)
	if errors.Is(err, cache.ErrLocked) {
		m.log.Debug().Msg("archive expiry already running elsewhere")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		if _, err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn().Err(err).Msg("failed to release expiry lock")
		}
	}()
	return m.archives.Expire(ctx)
}
