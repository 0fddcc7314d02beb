package gitops

import "testing"

func TestTagFormat(t *testing.T) {
	step := 3
	full := Tag{User: "alice", Task: "build-auth", Step: &step}
	if got := full.Format(); got != "[taskline:user=alice,task=build-auth,step=3]" {
		t.Fatalf("unexpected tag: %s", got)
	}
	if got := (Tag{User: "alice"}).Format(); got != "[taskline:user=alice]" {
		t.Fatalf("unexpected partial tag: %s", got)
	}
	if got := (Tag{}).Format(); got != "[taskline:]" {
		t.Fatalf("unexpected empty tag: %s", got)
	}
}

func TestParseTagRoundTrip(t *testing.T) {
	step := 7
	in := Tag{User: "bob", Task: "cleanup", Step: &step}
	msg := BuildMessage("tidy up the parser", in)

	out, ok := ParseTag(msg)
	if !ok {
		t.Fatalf("expected tag in %q", msg)
	}
	if out.User != "bob" || out.Task != "cleanup" || out.Step == nil || *out.Step != 7 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestParseTagAbsent(t *testing.T) {
	if _, ok := ParseTag("a plain commit message"); ok {
		t.Fatalf("expected no tag")
	}
}

func TestParseTagToleratesSpacing(t *testing.T) {
	out, ok := ParseTag("msg\n[taskline: user = carol , task = x ]")
	if !ok || out.User != "carol" || out.Task != "x" {
		t.Fatalf("expected tolerant parse, got %+v ok=%v", out, ok)
	}
}

func TestParseTagBadStepIgnored(t *testing.T) {
	out, ok := ParseTag("[taskline:user=d,step=banana]")
	if !ok || out.Step != nil {
		t.Fatalf("expected non-numeric step dropped, got %+v", out)
	}
}

func TestStripTag(t *testing.T) {
	step := 1
	msg := BuildMessage("fix the thing", Tag{User: "e", Step: &step})
	if got := StripTag(msg); got != "fix the thing" {
		t.Fatalf("expected tag stripped, got %q", got)
	}
	if got := StripTag("no tag here"); got != "no tag here" {
		t.Fatalf("expected message unchanged, got %q", got)
	}
}
