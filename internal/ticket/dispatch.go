package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/car/internal/paths"
)

// DispatchFileName is the agent's outgoing message inside the run's
// dispatch directory.
const DispatchFileName = "DISPATCH.md"

// Dispatch modes. pause demands operator attention, notify is
// informational, turn_summary is routine progress.
const (
	ModePause       = "pause"
	ModeNotify      = "notify"
	ModeTurnSummary = "turn_summary"
)

// Dispatch is a parsed DISPATCH.md.
type Dispatch struct {
	Mode  string
	Title string
	Extra map[string]any
	Body  string
}

// ParseDispatch validates frontmatter and keeps extra keys.
func ParseDispatch(data []byte) (*Dispatch, error) {
	raw, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	var fm map[string]any
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return nil, fmt.Errorf("dispatch frontmatter: %w", err)
	}
	d := &Dispatch{Extra: map[string]any{}, Body: body}
	for key, val := range fm {
		switch key {
		case "mode":
			d.Mode, _ = val.(string)
		case "title":
			d.Title, _ = val.(string)
		default:
			d.Extra[key] = val
		}
	}
	switch d.Mode {
	case ModePause, ModeNotify, ModeTurnSummary:
	default:
		return nil, fmt.Errorf("dispatch: invalid mode %q", d.Mode)
	}
	return d, nil
}

// Render serialises a dispatch back to file form. Used for synthetic
// dispatches (crash notices, user-agent pauses).
func (d *Dispatch) Render() string {
	var sb strings.Builder
	sb.WriteString(frontmatterDelim + "\n")
	fmt.Fprintf(&sb, "mode: %s\n", d.Mode)
	if d.Title != "" {
		out, _ := yaml.Marshal(map[string]string{"title": d.Title})
		sb.Write(out)
	}
	for _, key := range sortedKeys(d.Extra) {
		out, _ := yaml.Marshal(map[string]any{key: d.Extra[key]})
		sb.Write(out)
	}
	sb.WriteString(frontmatterDelim + "\n")
	sb.WriteString(d.Body)
	return sb.String()
}

// Summary returns the title, or a truncated body preview.
func (d *Dispatch) Summary(maxLen int) string {
	if s := strings.TrimSpace(d.Title); s != "" {
		return s
	}
	preview := strings.TrimSpace(d.Body)
	if idx := strings.IndexByte(preview, '\n'); idx >= 0 {
		preview = preview[:idx]
	}
	if maxLen > 0 && len(preview) > maxLen {
		preview = preview[:maxLen] + "…"
	}
	return preview
}

// seqDirName formats a history sequence directory.
func seqDirName(seq int) string { return fmt.Sprintf("%04d", seq) }

// parseSeqDir reads a history directory name back into a sequence.
func parseSeqDir(name string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimLeft(name, "0"))
	if err != nil {
		if strings.Trim(name, "0") == "" && name != "" {
			return 0, true
		}
		return 0, false
	}
	return n, true
}

// maxSeq scans a history directory for its highest sequence.
func maxSeq(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if n, ok := parseSeqDir(entry.Name()); ok && n > highest {
			highest = n
		}
	}
	return highest
}

// NextDispatchSeq returns the sequence the next archive should use.
func NextDispatchSeq(repoRoot, runID string) int {
	return maxSeq(paths.DispatchHistoryDir(repoRoot, runID)) + 1
}

// HasPendingDispatch reports whether an unarchived DISPATCH.md exists.
func HasPendingDispatch(repoRoot, runID string) bool {
	_, err := os.Stat(filepath.Join(paths.DispatchDir(repoRoot, runID), DispatchFileName))
	return err == nil
}

// ReadPendingDispatch parses the unarchived DISPATCH.md if present.
func ReadPendingDispatch(repoRoot, runID string) (*Dispatch, error) {
	data, err := os.ReadFile(filepath.Join(paths.DispatchDir(repoRoot, runID), DispatchFileName))
	if err != nil {
		return nil, err
	}
	return ParseDispatch(data)
}

// ArchiveDispatch moves DISPATCH.md and every sibling attachment from the
// dispatch directory into dispatch_history/<seq>/. The destination must
// not exist, which makes double archival of the same seq impossible.
func ArchiveDispatch(repoRoot, runID string, seq int) error {
	src := paths.DispatchDir(repoRoot, runID)
	dstParent := paths.DispatchHistoryDir(repoRoot, runID)
	dst := filepath.Join(dstParent, seqDirName(seq))

	if err := os.MkdirAll(dstParent, 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(dst, 0o755); err != nil {
		return fmt.Errorf("archive dispatch seq %d: %w", seq, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("archive %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// WriteDispatch places a dispatch into the run's outgoing directory.
func WriteDispatch(repoRoot, runID string, d *Dispatch) error {
	dir := paths.DispatchDir(repoRoot, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, DispatchFileName), []byte(d.Render()), 0o644)
}

// ArchivedDispatch is one entry of dispatch_history.
type ArchivedDispatch struct {
	Seq      int
	Dispatch *Dispatch
}

// ListArchivedDispatches loads dispatch_history in ascending seq order.
// Unparseable entries are skipped.
func ListArchivedDispatches(repoRoot, runID string) []ArchivedDispatch {
	dir := paths.DispatchHistoryDir(repoRoot, runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []ArchivedDispatch
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		seq, ok := parseSeqDir(entry.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name(), DispatchFileName))
		if err != nil {
			continue
		}
		d, err := ParseDispatch(data)
		if err != nil {
			continue
		}
		out = append(out, ArchivedDispatch{Seq: seq, Dispatch: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
