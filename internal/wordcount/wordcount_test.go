package wordcount

import "testing"

func TestMapEmitsLowercaseWords(t *testing.T) {
	wc := New()

	kvs, err := wc.Map("chunk0", "Hello, hello WORLD!")
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	want := []string{"hello", "hello", "world"}
	if len(kvs) != len(want) {
		t.Fatalf("Expected %d pairs, got %d: %v", len(want), len(kvs), kvs)
	}
	for i, kv := range kvs {
		if kv.Key != want[i] {
			t.Errorf("Pair %d: expected key %q, got %q", i, want[i], kv.Key)
		}
		if kv.Value != "1" {
			t.Errorf("Pair %d: expected value \"1\", got %q", i, kv.Value)
		}
	}
}

func TestMapEmptyLine(t *testing.T) {
	wc := New()
	kvs, err := wc.Map("chunk0", "   ... !!! ")
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if len(kvs) != 0 {
		t.Errorf("Expected no pairs for punctuation-only line, got %v", kvs)
	}
}

func TestReduceSumsCounts(t *testing.T) {
	wc := New()
	got, err := wc.Reduce("the", []string{"1", "1", "3", "1"})
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if got != "6" {
		t.Errorf("Expected sum 6, got %s", got)
	}
}

func TestReduceRejectsNonNumericValues(t *testing.T) {
	wc := New()
	if _, err := wc.Reduce("the", []string{"1", "bogus"}); err == nil {
		t.Fatal("Expected error for non-numeric count")
	}
}
