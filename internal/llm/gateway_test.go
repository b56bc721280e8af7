package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-batcher/internal/model"
	"github.com/nulpointcorp/llm-batcher/internal/settings"
	"github.com/nulpointcorp/llm-batcher/internal/upstream"
)

// fakeUpstream is a scripted upstream.Client.
type fakeUpstream struct {
	reply       string
	totalTokens int
	err         error

	lastReq *upstream.GenerateRequest
	calls   int
}

func (f *fakeUpstream) Name() string { return "fake" }

func (f *fakeUpstream) Generate(_ context.Context, req *upstream.GenerateRequest) (*upstream.GenerateResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &upstream.GenerateResponse{Text: f.reply, TotalTokens: f.totalTokens}, nil
}

func newTestGateway(t *testing.T, fake *fakeUpstream) (*Gateway, *settings.Store) {
	t.Helper()
	st := settings.New(t.TempDir(), discard())
	factory := func(_ context.Context, _ string) (upstream.Client, error) { return fake, nil }
	return New(factory, st, "default-key", Options{Logger: discard()}), st
}

func TestGenerateBatchSplitsByPosition(t *testing.T) {
	fake := &fakeUpstream{
		reply:       `[{"index": 0, "response": "ans0"}, {"index": 1, "response": "ans1"}, {"index": 2, "response": "ans2"}]`,
		totalTokens: 10,
	}
	g, _ := newTestGateway(t, fake)

	resp, err := g.GenerateBatch(context.Background(),
		[]string{"q0", "q1", "q2"}, model.PriorityMedium, []string{"r0", "r1", "r2"})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(resp.Results))
	}
	for i, want := range []string{"ans0", "ans1", "ans2"} {
		if resp.Results[i].Index != i || resp.Results[i].Text != want {
			t.Errorf("result %d = %+v, want text %q", i, resp.Results[i], want)
		}
	}
}

func TestGenerateBatchTokenDistribution(t *testing.T) {
	// 10 tokens over 3 positions: 4, 3, 3 — remainder biased to low indices.
	fake := &fakeUpstream{
		reply:       `[{"index": 0, "response": "a"}, {"index": 1, "response": "b"}, {"index": 2, "response": "c"}]`,
		totalTokens: 10,
	}
	g, _ := newTestGateway(t, fake)

	resp, err := g.GenerateBatch(context.Background(),
		[]string{"q0", "q1", "q2"}, model.PriorityLow, []string{"r0", "r1", "r2"})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}

	sum, minTok, maxTok := 0, resp.Results[0].TokensUsed, resp.Results[0].TokensUsed
	for _, r := range resp.Results {
		sum += r.TokensUsed
		if r.TokensUsed < minTok {
			minTok = r.TokensUsed
		}
		if r.TokensUsed > maxTok {
			maxTok = r.TokensUsed
		}
	}
	if sum != 10 {
		t.Errorf("token sum = %d, want 10", sum)
	}
	if maxTok-minTok > 1 {
		t.Errorf("token spread = %d, want <= 1", maxTok-minTok)
	}
	if resp.Results[0].TokensUsed != 4 || resp.Results[2].TokensUsed != 3 {
		t.Errorf("remainder must go to low indices, got %v", resp.Results)
	}
}

func TestGenerateBatchSentinelForMissing(t *testing.T) {
	fake := &fakeUpstream{
		reply:       `[{"index": 0, "response": "a"}, {"index": 2, "response": "c"}]`,
		totalTokens: 9,
	}
	g, _ := newTestGateway(t, fake)

	resp, err := g.GenerateBatch(context.Background(),
		[]string{"q0", "q1", "q2"}, model.PriorityHigh, []string{"r0", "r1", "r2"})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if resp.Results[0].Text != "a" || resp.Results[2].Text != "c" {
		t.Errorf("recovered positions wrong: %v", resp.Results)
	}
	want := "[Error: failed to parse response for request r1. Check logs.]"
	if resp.Results[1].Text != want {
		t.Errorf("position 1 = %q, want sentinel", resp.Results[1].Text)
	}
	// Sentinel positions still get their token share.
	if resp.Results[1].TokensUsed != 3 {
		t.Errorf("sentinel tokens = %d, want 3", resp.Results[1].TokensUsed)
	}
}

func TestGenerateBatchUnparseableIsNotFatal(t *testing.T) {
	fake := &fakeUpstream{reply: "I'm sorry, I can't answer that.", totalTokens: 5}
	g, _ := newTestGateway(t, fake)

	resp, err := g.GenerateBatch(context.Background(),
		[]string{"q0", "q1"}, model.PriorityMedium, []string{"r0", "r1"})
	if err != nil {
		t.Fatalf("unparseable 2xx reply must not error, got %v", err)
	}
	for i, r := range resp.Results {
		if !strings.Contains(r.Text, "failed to parse response") {
			t.Errorf("position %d = %q, want sentinel", i, r.Text)
		}
	}
}

func TestGenerateBatchUpstreamError(t *testing.T) {
	fake := &fakeUpstream{err: errors.New("quota exceeded")}
	g, _ := newTestGateway(t, fake)

	_, err := g.GenerateBatch(context.Background(),
		[]string{"q"}, model.PriorityHigh, []string{"r"})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("want *UpstreamError, got %v", err)
	}
	if ue.Backend != "fake" {
		t.Errorf("backend = %q, want fake", ue.Backend)
	}
}

func TestGenerateBatchBudgetAndTemperature(t *testing.T) {
	fake := &fakeUpstream{reply: `[{"index":0,"response":"a"}]`, totalTokens: 1}
	g, _ := newTestGateway(t, fake)

	// HIGH, N=4: ceil(512*4*1.5)+500 = 3572.
	prompts := []string{"a", "b", "c", "d"}
	ids := []string{"1", "2", "3", "4"}
	if _, err := g.GenerateBatch(context.Background(), prompts, model.PriorityHigh, ids); err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if fake.lastReq.MaxOutputTokens != 3572 {
		t.Errorf("budget = %d, want 3572", fake.lastReq.MaxOutputTokens)
	}
	if fake.lastReq.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", fake.lastReq.Temperature)
	}

	// LOW, N=16 would exceed the cap: min(32768, ceil(2048*16*1.5)+500).
	prompts = make([]string, 16)
	ids = make([]string, 16)
	for i := range prompts {
		prompts[i], ids[i] = "q", "r"
	}
	if _, err := g.GenerateBatch(context.Background(), prompts, model.PriorityLow, ids); err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if fake.lastReq.MaxOutputTokens != 32768 {
		t.Errorf("capped budget = %d, want 32768", fake.lastReq.MaxOutputTokens)
	}
}

func TestClientRebuiltOnKeyChange(t *testing.T) {
	fake := &fakeUpstream{reply: `[{"index":0,"response":"a"}]`, totalTokens: 1}
	st := settings.New(t.TempDir(), discard())

	factoryCalls := 0
	var lastKey string
	factory := func(_ context.Context, key string) (upstream.Client, error) {
		factoryCalls++
		lastKey = key
		return fake, nil
	}
	g := New(factory, st, "default-key", Options{Logger: discard()})

	run := func() {
		t.Helper()
		if _, err := g.GenerateBatch(context.Background(), []string{"q"}, model.PriorityHigh, []string{"r"}); err != nil {
			t.Fatalf("GenerateBatch: %v", err)
		}
	}

	run()
	run()
	if factoryCalls != 1 {
		t.Fatalf("factory calls = %d, want 1 (same key reuses client)", factoryCalls)
	}
	if lastKey != "default-key" {
		t.Errorf("key = %q, want config fallback", lastKey)
	}

	newKey := "rotated-key"
	if _, err := st.Update(settingsUpdateKey(newKey)); err != nil {
		t.Fatalf("settings update: %v", err)
	}
	run()
	if factoryCalls != 2 {
		t.Errorf("factory calls = %d, want rebuild after key change", factoryCalls)
	}
	if lastKey != newKey {
		t.Errorf("key = %q, want %q", lastKey, newKey)
	}
}

func settingsUpdateKey(key string) model.SettingsUpdate {
	return model.SettingsUpdate{APIKey: &key}
}
