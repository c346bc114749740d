package resultschema

import "testing"

func TestParse_ValidSuccessPayload(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatal(err)
	}
	tr, fellBack := v.Parse(`{"status":"success","message":"done","data":{"count":3}}`)
	if fellBack {
		t.Fatal("expected no fallback for valid payload")
	}
	if tr.Status != StatusSuccess || tr.Message != "done" {
		t.Fatalf("unexpected result: %+v", tr)
	}
	if tr.Data["count"].(float64) != 3 {
		t.Fatalf("expected data.count=3, got %+v", tr.Data)
	}
}

func TestParse_ValidErrorPayload(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatal(err)
	}
	tr, fellBack := v.Parse(`{"status":"error","message":"could not reach API"}`)
	if fellBack {
		t.Fatal("expected no fallback for valid payload")
	}
	if tr.Status != StatusError {
		t.Fatalf("expected error status, got %+v", tr)
	}
}

func TestParse_FencedJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatal(err)
	}
	raw := "Here is my result:\n```json\n{\"status\":\"success\",\"message\":\"ok\"}\n```\n"
	tr, fellBack := v.Parse(raw)
	if fellBack {
		t.Fatal("expected no fallback for fenced JSON")
	}
	if tr.Message != "ok" {
		t.Fatalf("unexpected result: %+v", tr)
	}
}

func TestParse_MalformedFallsBackToWrappedRaw(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatal(err)
	}
	tr, fellBack := v.Parse("the agent just rambled without any JSON at all")
	if !fellBack {
		t.Fatal("expected fallback for unparsable text")
	}
	if tr.Status != StatusSuccess {
		t.Fatalf("expected fallback status success, got %s", tr.Status)
	}
	if tr.Message != "the agent just rambled without any JSON at all" {
		t.Fatalf("expected raw text as message, got %q", tr.Message)
	}
}

func TestParse_MalformedTruncatesTo500Chars(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatal(err)
	}
	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}
	tr, fellBack := v.Parse(string(long))
	if !fellBack {
		t.Fatal("expected fallback")
	}
	if len(tr.Message) != 500 {
		t.Fatalf("expected truncation to 500 chars, got %d", len(tr.Message))
	}
}

func TestParse_MissingRequiredFieldFallsBack(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatal(err)
	}
	// Missing required "message" field.
	tr, fellBack := v.Parse(`{"status":"success"}`)
	if !fellBack {
		t.Fatal("expected fallback when required field missing")
	}
	if tr.Status != StatusSuccess {
		t.Fatalf("unexpected status: %s", tr.Status)
	}
}

func TestAggregate_PreservesOrder(t *testing.T) {
	entries := []AggregatedEntry{
		{Title: "first", Result: TaskResult{Status: StatusSuccess, Message: "a"}},
		{Title: "second", Result: TaskResult{Status: StatusError, Message: "b"}},
	}
	out, err := Aggregate(entries)
	if err != nil {
		t.Fatal(err)
	}
	if out == "" {
		t.Fatal("expected non-empty aggregated JSON")
	}
	wantFirst := `"title":"first"`
	wantSecond := `"title":"second"`
	if idxFirst, idxSecond := indexOf(out, wantFirst), indexOf(out, wantSecond); idxFirst < 0 || idxSecond < 0 || idxFirst > idxSecond {
		t.Fatalf("expected ordered entries in %s", out)
	}
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
