package ticket

import (
	"os"
	"path/filepath"

	"github.com/codex-autorunner/car/internal/paths"
)

// ReplyFileName is the operator's answer to a pause dispatch.
const ReplyFileName = "USER_REPLY.md"

// Reply is one reply_history entry.
type Reply struct {
	Seq  int
	Body string
}

// LatestReply returns the highest-seq reply, if any.
func LatestReply(repoRoot, runID string) (Reply, bool) {
	dir := paths.ReplyHistoryDir(repoRoot, runID)
	seq := maxSeq(dir)
	if seq == 0 {
		return Reply{}, false
	}
	data, err := os.ReadFile(filepath.Join(dir, seqDirName(seq), ReplyFileName))
	if err != nil {
		return Reply{}, false
	}
	return Reply{Seq: seq, Body: string(data)}, true
}

// MaxReplySeq reports the highest reply sequence on disk.
func MaxReplySeq(repoRoot, runID string) int {
	return maxSeq(paths.ReplyHistoryDir(repoRoot, runID))
}

// WriteReply records an operator reply under the next sequence.
func WriteReply(repoRoot, runID string, seq int, body string) error {
	dir := filepath.Join(paths.ReplyHistoryDir(repoRoot, runID), seqDirName(seq))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ReplyFileName), []byte(body), 0o644)
}
