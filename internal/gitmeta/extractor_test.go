package gitmeta

import (
	"testing"
	"time"
)

func TestParseHunks(t *testing.T) {
	tests := []struct {
		name         string
		patch        string
		want         []LineRange
		wantCreation bool
	}{
		{
			name:  "single hunk",
			patch: "@@ -10,3 +12,5 @@ func main() {\n+added\n",
			want:  []LineRange{{Start: 12, End: 16}},
		},
		{
			name:  "count omitted means one line",
			patch: "@@ -4 +4 @@\n",
			want:  []LineRange{{Start: 4, End: 4}},
		},
		{
			name:  "pure deletion",
			patch: "@@ -7,2 +6,0 @@\n-gone\n-gone\n",
			want:  []LineRange{{Start: 6, End: 6}},
		},
		{
			name:         "file creation",
			patch:        "@@ -0,0 +1,20 @@\n+package main\n",
			want:         []LineRange{{Start: 1, End: 20}},
			wantCreation: true,
		},
		{
			name: "multiple hunks",
			patch: "@@ -1,2 +1,2 @@\n-a\n+b\n" +
				"@@ -30,1 +31,4 @@\n+c\n",
			want: []LineRange{{Start: 1, End: 2}, {Start: 31, End: 34}},
		},
		{
			name:  "no hunks",
			patch: "just a message body\n",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, creation := parseHunks(tt.patch)
			if creation != tt.wantCreation {
				t.Errorf("creation = %v, want %v", creation, tt.wantCreation)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d ranges %v, want %v", len(got), got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("range[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseLog(t *testing.T) {
	out := "\x01aaa111\x1f1717500000\x1falice@example.com\x1fPROJ-7 fix parser\x02" +
		"diff --git a/p.go b/p.go\n@@ -3,1 +3,2 @@\n+x\n" +
		"\x01bbb222\x1f1717400000\x1fbob@example.com\x1fInitial commit\x02" +
		"diff --git a/p.go b/p.go\n@@ -0,0 +1,40 @@\n+package p\n"

	commits := parseLog(out)
	if len(commits) != 2 {
		t.Fatalf("parsed %d commits, want 2", len(commits))
	}

	first := commits[0]
	if first.Hash != "aaa111" || first.AuthorEmail != "alice@example.com" {
		t.Errorf("first commit header: %+v", first)
	}
	if !first.CommittedAt.Equal(time.Unix(1717500000, 0).UTC()) {
		t.Errorf("first commit time: %v", first.CommittedAt)
	}
	if first.Creation {
		t.Error("modification commit flagged as creation")
	}
	if len(first.Hunks) != 1 || first.Hunks[0] != (LineRange{Start: 3, End: 4}) {
		t.Errorf("first commit hunks: %+v", first.Hunks)
	}

	second := commits[1]
	if !second.Creation {
		t.Error("file-add commit not flagged as creation")
	}
	if second.Summary != "Initial commit" {
		t.Errorf("second commit summary: %q", second.Summary)
	}
}

func TestAssignCommits(t *testing.T) {
	commits := []Commit{
		{Hash: "new", Hunks: []LineRange{{Start: 50, End: 55}}},
		{Hash: "mid", Hunks: []LineRange{{Start: 10, End: 12}}},
		{Hash: "init", Creation: true},
	}

	// Chunk covering lines 1-20: overlaps mid, plus the creation commit.
	got := assignCommits(commits, 1, 20)
	if len(got) != 2 || got[0].Hash != "mid" || got[1].Hash != "init" {
		t.Errorf("assignCommits(1,20) = %v", hashes(got))
	}

	// Chunk covering lines 52-60: overlaps new, plus creation.
	got = assignCommits(commits, 52, 60)
	if len(got) != 2 || got[0].Hash != "new" {
		t.Errorf("assignCommits(52,60) = %v", hashes(got))
	}

	// Chunk with no overlapping hunks still gets the creation commit.
	got = assignCommits(commits, 100, 110)
	if len(got) != 1 || got[0].Hash != "init" {
		t.Errorf("assignCommits(100,110) = %v", hashes(got))
	}
}

func hashes(commits []Commit) []string {
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.Hash
	}
	return out
}

func TestTicketsIn(t *testing.T) {
	e, err := New(".", 50, []string{`CVE-\d{4}-\d+`}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := e.ticketsIn("PROJ-12 fix #345 regression from CVE-2024-9999")
	keys := map[string]string{}
	for _, tk := range got {
		keys[tk.TicketKey] = string(tk.Source)
	}

	want := map[string]string{
		"PROJ-12":       "jira",
		"CVE-2024":      "jira", // CVE prefix also matches the jira shape
		"#345":          "github",
		"CVE-2024-9999": "custom",
	}
	for key, source := range want {
		if keys[key] != source {
			t.Errorf("ticket %q source = %q, want %q (all: %v)", key, keys[key], source, keys)
		}
	}
}

func TestTicketsInNoMatches(t *testing.T) {
	e, err := New(".", 50, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := e.ticketsIn("plain refactoring"); len(got) != 0 {
		t.Errorf("ticketsIn = %v, want none", got)
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	if _, err := New(".", 50, []string{`[unclosed`}, nil, nil, nil); err == nil {
		t.Error("New accepted an invalid ticket pattern")
	}
}
