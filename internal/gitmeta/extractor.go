// Package gitmeta attributes git history to indexed chunks: per-file
// commit logs, hunk-to-chunk overlap, and ticket keys mined from commit
// summaries.
package gitmeta

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/meta"
	"github.com/IBazylchuk/paparats-mcp-sub000/internal/vector"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// Record separators for the git log format string. Each commit record
// starts with \x01; the header fields end at \x02 and are separated by
// \x1f; everything after \x02 is the patch text.
const logFormat = "%x01%H%x1f%ct%x1f%ae%x1f%s%x02"

var (
	hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
	jiraKey    = regexp.MustCompile(`[A-Z]+-\d+`)
	githubRef  = regexp.MustCompile(`#\d+`)
)

// LineRange is an inclusive 1-indexed range on the new side of a diff.
type LineRange struct {
	Start int
	End   int
}

// Commit is one commit touching a file, with the hunk ranges it modified.
type Commit struct {
	Hash        string
	CommittedAt time.Time
	AuthorEmail string
	Summary     string
	Hunks       []LineRange
	Creation    bool
}

// Extractor reads per-file git history and writes chunk metadata.
type Extractor struct {
	repoRoot   string
	maxCommits int
	custom     []*regexp.Regexp
	meta       *meta.Store
	vectors    provider.VectorStore
	logger     *slog.Logger
}

// New builds an extractor. Ticket patterns must already be validated;
// a pattern that fails to compile here is a programming error upstream.
func New(repoRoot string, maxCommits int, ticketPatterns []string, metaStore *meta.Store, vectors provider.VectorStore, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	custom := make([]*regexp.Regexp, 0, len(ticketPatterns))
	for _, p := range ticketPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: ticket pattern %q: %v", types.ErrConfig, p, err)
		}
		custom = append(custom, re)
	}
	return &Extractor{
		repoRoot:   repoRoot,
		maxCommits: maxCommits,
		custom:     custom,
		meta:       metaStore,
		vectors:    vectors,
		logger:     logger,
	}, nil
}

// IsRepo reports whether dir is inside a git working tree.
func IsRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = dir
	return cmd.Run() == nil
}

// FileHistory returns the last maxCommits commits touching relPath,
// newest first, each with its hunk ranges on the new side.
func (e *Extractor) FileHistory(ctx context.Context, relPath string) ([]Commit, error) {
	cmd := exec.CommandContext(ctx, "git", "log",
		"--follow", "-p", "-U0",
		"--format="+logFormat,
		"-n", strconv.Itoa(e.maxCommits),
		"--", relPath)
	cmd.Dir = e.repoRoot

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%w: git log %s: %s", types.ErrUpstream, relPath, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%w: git log %s: %v", types.ErrUpstream, relPath, err)
	}
	return parseLog(string(out)), nil
}

// parseLog splits formatted git log output into commits.
func parseLog(out string) []Commit {
	var commits []Commit
	for _, record := range strings.Split(out, "\x01") {
		if strings.TrimSpace(record) == "" {
			continue
		}
		header, patch, found := strings.Cut(record, "\x02")
		if !found {
			continue
		}
		fields := strings.Split(header, "\x1f")
		if len(fields) != 4 {
			continue
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		c := Commit{
			Hash:        fields[0],
			CommittedAt: time.Unix(ts, 0).UTC(),
			AuthorEmail: fields[2],
			Summary:     fields[3],
		}
		c.Hunks, c.Creation = parseHunks(patch)
		commits = append(commits, c)
	}
	return commits
}

// parseHunks extracts new-side line ranges from unified diff text. A
// hunk with an empty old side (`-0,0`) marks the commit that created
// the file.
func parseHunks(patch string) ([]LineRange, bool) {
	var ranges []LineRange
	creation := false
	for _, line := range strings.Split(patch, "\n") {
		m := hunkHeader.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		oldStart, _ := strconv.Atoi(m[1])
		oldCount := 1
		if m[2] != "" {
			oldCount, _ = strconv.Atoi(m[2])
		}
		newStart, _ := strconv.Atoi(m[3])
		newCount := 1
		if m[4] != "" {
			newCount, _ = strconv.Atoi(m[4])
		}
		if oldStart == 0 && oldCount == 0 {
			creation = true
		}
		if newCount == 0 {
			// Pure deletion: attribute to the line the removal sits after.
			ranges = append(ranges, LineRange{Start: newStart, End: newStart})
			continue
		}
		ranges = append(ranges, LineRange{Start: newStart, End: newStart + newCount - 1})
	}
	return ranges, creation
}

// assignCommits picks the commits attributable to a chunk's line range.
// Creation commits always apply. Order (newest first) is preserved.
func assignCommits(commits []Commit, startLine, endLine int) []Commit {
	var out []Commit
	for _, c := range commits {
		if c.Creation {
			out = append(out, c)
			continue
		}
		for _, h := range c.Hunks {
			if h.Start <= endLine && h.End >= startLine {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// ticketsIn mines ticket keys from a commit summary.
func (e *Extractor) ticketsIn(summary string) []types.TicketRecord {
	var out []types.TicketRecord
	for _, key := range jiraKey.FindAllString(summary, -1) {
		out = append(out, types.TicketRecord{TicketKey: key, Source: types.TicketSourceJira})
	}
	for _, key := range githubRef.FindAllString(summary, -1) {
		out = append(out, types.TicketRecord{TicketKey: key, Source: types.TicketSourceGitHub})
	}
	for _, re := range e.custom {
		for _, key := range re.FindAllString(summary, -1) {
			out = append(out, types.TicketRecord{TicketKey: key, Source: types.TicketSourceCustom})
		}
	}
	return out
}

// ExtractFile reads one file's history and writes commit, ticket, and
// payload metadata for its chunks. All chunks must belong to the same
// file. Vector payload patch failures log a warning; the metadata store
// is the source of truth.
func (e *Extractor) ExtractFile(ctx context.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	relPath := chunks[0].File
	commits, err := e.FileHistory(ctx, relPath)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}

	for _, chunk := range chunks {
		assigned := assignCommits(commits, chunk.StartLine, chunk.EndLine)
		if len(assigned) == 0 {
			continue
		}
		chunkID := chunk.ID()

		records := make([]types.CommitRecord, len(assigned))
		seen := make(map[string]bool)
		var tickets []types.TicketRecord
		for i, c := range assigned {
			records[i] = types.CommitRecord{
				ChunkID:        chunkID,
				CommitHash:     c.Hash,
				CommittedAt:    c.CommittedAt,
				AuthorEmail:    c.AuthorEmail,
				MessageSummary: c.Summary,
			}
			for _, t := range e.ticketsIn(c.Summary) {
				if seen[t.TicketKey] {
					continue
				}
				seen[t.TicketKey] = true
				t.ChunkID = chunkID
				tickets = append(tickets, t)
			}
		}

		if err := e.meta.UpsertCommits(chunkID, records); err != nil {
			return fmt.Errorf("store commits for %s: %w", chunkID, err)
		}
		if err := e.meta.UpsertTickets(chunkID, tickets); err != nil {
			return fmt.Errorf("store tickets for %s: %w", chunkID, err)
		}

		keys := make([]string, 0, len(tickets))
		for _, t := range tickets {
			keys = append(keys, t.TicketKey)
		}
		sort.Strings(keys)

		latest := assigned[0]
		patch := map[string]any{
			"last_commit_hash":  latest.Hash,
			"last_commit_at":    latest.CommittedAt.Format(time.RFC3339),
			"last_author_email": latest.AuthorEmail,
			"ticket_keys":       keys,
		}
		if err := e.vectors.SetPayload(ctx, chunk.Group, vector.PointID(chunkID), patch); err != nil {
			e.logger.Warn("failed to patch chunk payload with git metadata",
				slog.String("chunk", chunkID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
