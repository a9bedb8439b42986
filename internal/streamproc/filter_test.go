package streamproc

import "testing"

func TestTagFilterElidesCompleteBlock(t *testing.T) {
	f := NewTagFilter(DefaultFilteredTags)
	got := f.Feed("before<grok:render>hidden</grok:render>after")
	if got != "beforeafter" {
		t.Fatalf("expected filtered block elided, got %q", got)
	}
}

func TestTagFilterSpansChunkBoundaries(t *testing.T) {
	f := NewTagFilter(DefaultFilteredTags)
	var out string
	for _, chunk := range []string{"visible <grok:", "render>secret", "</grok:ren", "der> tail"} {
		out += f.Feed(chunk)
	}
	out += f.Flush()
	if out != "visible  tail" {
		t.Fatalf("expected cross-chunk elision, got %q", out)
	}
}

func TestTagFilterLeavesUnknownTagsAlone(t *testing.T) {
	f := NewTagFilter(DefaultFilteredTags)
	got := f.Feed("a <b>bold</b> move")
	if got != "a <b>bold</b> move" {
		t.Fatalf("expected unknown tags preserved, got %q", got)
	}
}

func TestTagFilterDropsTagWithAttributes(t *testing.T) {
	f := NewTagFilter(DefaultFilteredTags)
	got := f.Feed(`x<xaiartifact id="1">blob</xaiartifact>y`)
	if got != "xy" {
		t.Fatalf("expected attributed tag elided, got %q", got)
	}
}

func TestTagFilterIdempotentOnFilteredOutput(t *testing.T) {
	input := "keep<xai:tool_usage_card>drop</xai:tool_usage_card> this"

	first := NewTagFilter(DefaultFilteredTags)
	once := first.Feed(input) + first.Flush()

	second := NewTagFilter(DefaultFilteredTags)
	twice := second.Feed(once) + second.Flush()

	if once != twice {
		t.Fatalf("filtering is not idempotent: %q vs %q", once, twice)
	}
}

func TestTagFilterFlushDiscardsUnterminatedBlock(t *testing.T) {
	f := NewTagFilter(DefaultFilteredTags)
	out := f.Feed("ok<grok:render>trapped content")
	out += f.Flush()
	if out != "ok" {
		t.Fatalf("expected trapped content discarded at stream end, got %q", out)
	}
}

func TestTagFilterFlushReleasesPendingLiteral(t *testing.T) {
	f := NewTagFilter(DefaultFilteredTags)
	out := f.Feed("price <")
	out += f.Flush()
	if out != "price <" {
		t.Fatalf("expected dangling '<' released at stream end, got %q", out)
	}
}

func TestStripFilteredTagsRemovesBlocks(t *testing.T) {
	content := "a<grok:render>x</grok:render>b<grok:render>y</grok:render>c"
	got := stripFilteredTags(content, DefaultFilteredTags)
	if got != "abc" {
		t.Fatalf("expected all blocks stripped, got %q", got)
	}
}

func TestStripFilteredTagsIdempotent(t *testing.T) {
	content := "a<xaiartifact>x</xaiartifact>b"
	once := stripFilteredTags(content, DefaultFilteredTags)
	twice := stripFilteredTags(once, DefaultFilteredTags)
	if once != twice {
		t.Fatalf("strip is not idempotent: %q vs %q", once, twice)
	}
}
