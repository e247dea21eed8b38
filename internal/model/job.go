package model

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/onexay/commitvault/internal/types"
)

// pendingKey is the redis list holding queued archive registrations.
const pendingKey = "archives:pending"

type jobCommit struct {
	RepositoryID string `cbor:"r"`
	Branch       string `cbor:"b"`
	ID           string `cbor:"i"`
	Revision     *int64 `cbor:"v,omitempty"`
	Hash         string `cbor:"h,omitempty"`
	Timestamp    int64  `cbor:"t"`
	Order        int    `cbor:"o"`
	Committer    string `cbor:"c,omitempty"`
	Message      string `cbor:"m,omitempty"`
}

// pendingJob is one deferred RegisterArchive call.
type pendingJob struct {
	Commit  jobCommit `cbor:"commit"`
	Suite   string    `cbor:"suite"`
	Digest  string    `cbor:"digest"`
	Payload []byte    `cbor:"payload"`
	Queued  int64     `cbor:"queued"`
}

var jobEncMode cbor.EncMode

func init() {
	var err error
	jobEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("model: CBOR encoder initialization failed: " + err.Error())
	}
}

func newJob(c types.Commit, suite, digest string, payload []byte, queued time.Time) pendingJob {
	jc := jobCommit{
		RepositoryID: c.RepositoryID(),
		Branch:       c.Branch(),
		ID:           c.ID(),
		Hash:         c.Hash(),
		Timestamp:    c.Timestamp().UnixNano(),
		Order:        c.Order(),
		Committer:    c.Committer(),
		Message:      c.Message(),
	}
	if rev, ok := c.Revision(); ok {
		jc.Revision = &rev
	}
	return pendingJob{Commit: jc, Suite: suite, Digest: digest, Payload: payload, Queued: queued.UnixNano()}
}

func (j pendingJob) commit() (types.Commit, error) {
	return types.NewCommit(types.CommitInput{
		RepositoryID: j.Commit.RepositoryID,
		Branch:       j.Commit.Branch,
		ID:           j.Commit.ID,
		Revision:     j.Commit.Revision,
		Hash:         j.Commit.Hash,
		Timestamp:    time.Unix(0, j.Commit.Timestamp),
		Order:        j.Commit.Order,
		Committer:    j.Commit.Committer,
		Message:      j.Commit.Message,
	})
}

func encodeJob(j pendingJob) ([]byte, error) { return jobEncMode.Marshal(j) }

func decodeJob(data []byte) (pendingJob, error) {
	var j pendingJob
	err := cbor.Unmarshal(data, &j)
	return j, err
}
