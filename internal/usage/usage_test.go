package usage

import "testing"

func TestNormalizeUsageAllFields(t *testing.T) {
	u, ok := NormalizeUsage([]byte(`{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"cached_tokens":2}`))
	if !ok {
		t.Fatal("expected ok=true")
	}
	want := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, CachedTokens: 2}
	if u != want {
		t.Fatalf("got %+v, want %+v", u, want)
	}
}

func TestNormalizeUsageMissingTotalDerived(t *testing.T) {
	u, ok := NormalizeUsage([]byte(`{"prompt_tokens":10,"completion_tokens":5}`))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if u.TotalTokens != 15 {
		t.Fatalf("expected derived total 15, got %d", u.TotalTokens)
	}
	if u.CachedTokens != 0 {
		t.Fatalf("expected cached 0, got %d", u.CachedTokens)
	}
}

func TestNormalizeUsageCachedFallbackChain(t *testing.T) {
	u, ok := NormalizeUsage([]byte(`{"prompt_tokens":10,"completion_tokens":5,"prompt_tokens_details":{"cached_tokens":3}}`))
	if !ok || u.CachedTokens != 3 {
		t.Fatalf("expected cached 3 via prompt_tokens_details, got %+v ok=%v", u, ok)
	}

	u, ok = NormalizeUsage([]byte(`{"prompt_tokens":10,"completion_tokens":5,"prompt_cache_hit_tokens":7}`))
	if !ok || u.CachedTokens != 7 {
		t.Fatalf("expected cached 7 via prompt_cache_hit_tokens, got %+v ok=%v", u, ok)
	}
}

func TestNormalizeUsageMissingFieldsFails(t *testing.T) {
	if _, ok := NormalizeUsage([]byte(`{"prompt_tokens":10}`)); ok {
		t.Fatal("expected ok=false when completion_tokens missing")
	}
	if _, ok := NormalizeUsage(nil); ok {
		t.Fatal("expected ok=false on empty input")
	}
}

func TestEstimateTokensFromCharsMinimumOne(t *testing.T) {
	if got := EstimateTokensFromChars(0); got != 1 {
		t.Fatalf("expected minimum 1 token, got %d", got)
	}
	if got := EstimateTokensFromChars(60); got != 30 {
		t.Fatalf("expected ceil(60/2)=30, got %d", got)
	}
	if got := EstimateTokensFromChars(5); got != 3 {
		t.Fatalf("expected ceil(5/2)=3, got %d", got)
	}
}

func TestEstimateUsage(t *testing.T) {
	msgs := [][]byte{[]byte(`"hello"`), []byte(`"world"`)} // 7+7=14 chars
	completion := []byte(`"hi"`)                           // 4 chars

	u := EstimateUsage(msgs, completion)
	if u.PromptTokens != 7 { // ceil(14/2)
		t.Fatalf("expected prompt tokens 7, got %d", u.PromptTokens)
	}
	if u.CompletionTokens != 2 { // ceil(4/2)
		t.Fatalf("expected completion tokens 2, got %d", u.CompletionTokens)
	}
	if u.TotalTokens != 9 || u.CachedTokens != 0 {
		t.Fatalf("unexpected totals: %+v", u)
	}
}
