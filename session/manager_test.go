package session

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360/tokenstream/admission"
	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/generator"
	"github.com/c360/tokenstream/respcache"
)

// recordingSink collects delivered chunks and signals when a final
// chunk arrives.
type recordingSink struct {
	mu     sync.Mutex
	chunks []Chunk
	final  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{final: make(chan struct{}, 16)}
}

func (s *recordingSink) Deliver(_ context.Context, _ string, chunk Chunk) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	if chunk.IsFinal {
		s.final <- struct{}{}
	}
	return nil
}

func (s *recordingSink) collected() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Chunk(nil), s.chunks...)
}

func (s *recordingSink) waitFinal(t *testing.T) {
	t.Helper()
	select {
	case <-s.final:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final chunk")
	}
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		ChunkSize:       2,
		ChunkDelay:      config.Duration(time.Millisecond),
		ParallelSplits:  4,
		ParallelWorkers: 4,
		SessionTimeout:  config.Duration(30 * time.Second),
		SweepInterval:   config.Duration(time.Hour),
	}
}

type managerFixture struct {
	manager *Manager
	sink    *recordingSink
	stub    *generator.StubGenerator
	adm     *admission.Controller
	cache   *respcache.ResponseCache
}

func newFixture(t *testing.T, cfg config.SessionConfig, withCache bool) *managerFixture {
	t.Helper()
	ctx := context.Background()

	adm, err := admission.New(ctx, config.AdmissionConfig{
		MaxConcurrentSessions: 10,
		RateLimitWindow:       config.Duration(time.Minute),
		RateLimitMaxRequests:  100,
		PruneInterval:         config.Duration(time.Minute),
	})
	if err != nil {
		t.Fatalf("admission.New failed: %v", err)
	}
	t.Cleanup(func() { _ = adm.Close() })

	stub := generator.NewStub()
	sink := newRecordingSink()

	options := []Option{}
	var rc *respcache.ResponseCache
	if withCache {
		rc, err = respcache.New(ctx, 100, time.Minute)
		if err != nil {
			t.Fatalf("respcache.New failed: %v", err)
		}
		t.Cleanup(func() { _ = rc.Close() })
		options = append(options, WithCache(rc))
	}

	m, err := NewManager(ctx, cfg, adm, stub, sink, options...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	return &managerFixture{manager: m, sink: sink, stub: stub, adm: adm, cache: rc}
}

func TestSequential_StreamsChunksInOrder(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)
	f.stub.Respond("prompt", "hello world foo bar")

	sess, err := f.manager.Start(StartRequest{ClientID: "c1", Prompt: "prompt"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.sink.waitFinal(t)

	chunks := f.sink.collected()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	expected := []string{"hello world", "foo bar"}
	for i, chunk := range chunks {
		if chunk.Content != expected[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, expected[i], chunk.Content)
		}
		if chunk.Sequence != i {
			t.Errorf("chunk %d: expected sequence %d, got %d", i, i, chunk.Sequence)
		}
		if chunk.SessionID != sess.ID {
			t.Errorf("chunk %d: wrong session id", i)
		}
		if chunk.Source != SourceGenerated {
			t.Errorf("chunk %d: expected generated source, got %s", i, chunk.Source)
		}
	}
	if !chunks[len(chunks)-1].IsFinal {
		t.Error("last chunk should be final")
	}
	if chunks[0].IsFinal {
		t.Error("first chunk should not be final")
	}

	waitForState(t, sess, StateCompleted)
	if f.adm.Active() != 0 {
		t.Errorf("expected admission slot released, %d active", f.adm.Active())
	}
}

func TestSequential_SecondIdenticalRequestSkipsGenerator(t *testing.T) {
	f := newFixture(t, testSessionConfig(), true)
	f.stub.Respond("prompt", "alpha beta gamma delta")

	_, err := f.manager.Start(StartRequest{ClientID: "c1", Prompt: "prompt"})
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	f.sink.waitFinal(t)

	if f.stub.Calls() != 1 {
		t.Fatalf("expected 1 generator call, got %d", f.stub.Calls())
	}

	_, err = f.manager.Start(StartRequest{ClientID: "c2", Prompt: "prompt"})
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	f.sink.waitFinal(t)

	if f.stub.Calls() != 1 {
		t.Errorf("identical request should issue zero generator calls, got %d", f.stub.Calls())
	}

	chunks := f.sink.collected()
	last := chunks[len(chunks)-1]
	if last.Source != SourceCache {
		t.Errorf("expected cache source on replay, got %s", last.Source)
	}
	if last.Content != "gamma delta" {
		t.Errorf("unexpected replay content: %q", last.Content)
	}
}

func TestSequential_GenerationFailure(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)
	f.stub.FailWith("bad", stderrors.New("upstream down"))

	sess, err := f.manager.Start(StartRequest{ClientID: "c1", Prompt: "bad"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForState(t, sess, StateErrored)
	if !stderrors.Is(sess.Err(), errors.ErrGenerationFailed) {
		t.Errorf("expected ErrGenerationFailed, got %v", sess.Err())
	}
	if f.adm.Active() != 0 {
		t.Errorf("expected slot released on error, %d active", f.adm.Active())
	}
}

func TestParallel_PartialFailureDeliversSurvivors(t *testing.T) {
	cfg := testSessionConfig()
	cfg.ChunkSize = 100 // one chunk per surviving sub-response
	f := newFixture(t, cfg, true)

	// Four sub-prompts; the middle two fail
	prompt := "zero one two three"
	f.stub.Respond("zero", "part zero")
	f.stub.FailWith("one", stderrors.New("boom"))
	f.stub.FailWith("two", stderrors.New("boom"))
	f.stub.Respond("three", "part three")

	sess, err := f.manager.Start(StartRequest{
		ClientID: "c1", Prompt: prompt, Strategy: StrategyParallel,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.sink.waitFinal(t)
	waitForState(t, sess, StateCompleted)

	chunks := f.sink.collected()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks from survivors, got %d", len(chunks))
	}
	// Survivors stream in original order with a fresh gapless sequence
	if chunks[0].Content != "part zero" || chunks[0].Sequence != 0 {
		t.Errorf("chunk 0: got %q seq %d", chunks[0].Content, chunks[0].Sequence)
	}
	if chunks[1].Content != "part three" || chunks[1].Sequence != 1 {
		t.Errorf("chunk 1: got %q seq %d", chunks[1].Content, chunks[1].Sequence)
	}
	if !chunks[1].IsFinal {
		t.Error("last surviving chunk should be final")
	}

	partial := sess.Partial()
	if partial == nil {
		t.Fatal("expected partial-failure metadata")
	}
	if len(partial.FailedSubPrompts) != 2 || partial.Requested != 4 || partial.Succeeded != 2 {
		t.Errorf("unexpected partial metadata: %+v", partial)
	}
	if !stderrors.Is(sess.Err(), errors.ErrPartialGeneration) {
		t.Errorf("expected ErrPartialGeneration, got %v", sess.Err())
	}

	// Partial results must not poison the cache
	if f.cache.Len() != 0 {
		t.Errorf("partial result should not be cached, cache has %d entries", f.cache.Len())
	}
}

func TestParallel_AllFail(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)

	prompt := "a b c d"
	for _, sub := range []string{"a", "b", "c", "d"} {
		f.stub.FailWith(sub, stderrors.New("boom"))
	}

	sess, err := f.manager.Start(StartRequest{
		ClientID: "c1", Prompt: prompt, Strategy: StrategyParallel,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForState(t, sess, StateErrored)
	if !stderrors.Is(sess.Err(), errors.ErrGenerationFailed) {
		t.Errorf("expected ErrGenerationFailed, got %v", sess.Err())
	}
}

func TestParallel_FullSuccessIsCached(t *testing.T) {
	cfg := testSessionConfig()
	cfg.ParallelSplits = 2
	f := newFixture(t, cfg, true)

	f.stub.Respond("alpha beta", "first half")
	f.stub.Respond("gamma delta", "second half")

	sess, err := f.manager.Start(StartRequest{
		ClientID: "c1", Prompt: "alpha beta gamma delta", Strategy: StrategyParallel,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.sink.waitFinal(t)
	waitForState(t, sess, StateCompleted)

	if sess.Partial() != nil {
		t.Error("full success should have no partial metadata")
	}
	if f.cache.Len() != 1 {
		t.Errorf("expected cached assembly, cache has %d entries", f.cache.Len())
	}

	chunks := f.sink.collected()
	var all []string
	for _, c := range chunks {
		all = append(all, c.Content)
	}
	joined := strings.Join(all, " ")
	if joined != "first half second half" {
		t.Errorf("unexpected assembled stream: %q", joined)
	}
}

func TestCancel_TrueThenFalse(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)
	f.stub.SetDelay(5 * time.Second)

	sess, err := f.manager.Start(StartRequest{ClientID: "c1", Prompt: "slow"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ok, err := f.manager.Cancel(sess.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !ok {
		t.Error("first cancel should return true")
	}

	ok, err = f.manager.Cancel(sess.ID)
	if err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}
	if ok {
		t.Error("second cancel should return false")
	}

	if sess.State() != StateCancelled {
		t.Errorf("expected cancelled, got %s", sess.State())
	}
	if f.adm.Active() != 0 {
		t.Errorf("expected slot released exactly once, %d active", f.adm.Active())
	}
}

func TestCancel_UnknownSession(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)

	_, err := f.manager.Cancel("no-such-session")
	if !stderrors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCancel_CompletedSessionReturnsFalse(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)

	sess, err := f.manager.Start(StartRequest{ClientID: "c1", Prompt: "quick"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.sink.waitFinal(t)
	waitForState(t, sess, StateCompleted)

	ok, err := f.manager.Cancel(sess.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if ok {
		t.Error("cancel of completed session should return false")
	}
	if sess.State() != StateCompleted {
		t.Errorf("terminal state must not change, got %s", sess.State())
	}
}

func TestTimeoutSweep(t *testing.T) {
	cfg := testSessionConfig()
	cfg.SessionTimeout = config.Duration(30 * time.Millisecond)
	f := newFixture(t, cfg, false)
	f.stub.SetDelay(10 * time.Second)

	sess, err := f.manager.Start(StartRequest{ClientID: "c1", Prompt: "stuck"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	f.manager.sweep()

	waitForState(t, sess, StateTimedOut)
	if !stderrors.Is(sess.Err(), errors.ErrSessionTimeout) {
		t.Errorf("expected ErrSessionTimeout, got %v", sess.Err())
	}
	if f.adm.Active() != 0 {
		t.Errorf("expected slot released on timeout, %d active", f.adm.Active())
	}
}

func TestCancelByClient(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)
	f.stub.SetDelay(5 * time.Second)

	var sessions []*Session
	for i := 0; i < 3; i++ {
		sess, err := f.manager.Start(StartRequest{ClientID: "doomed", Prompt: "slow"})
		if err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		sessions = append(sessions, sess)
	}
	other, err := f.manager.Start(StartRequest{ClientID: "other", Prompt: "slow"})
	if err != nil {
		t.Fatalf("Start other failed: %v", err)
	}

	if n := f.manager.CancelByClient("doomed"); n != 3 {
		t.Errorf("expected 3 cancelled, got %d", n)
	}
	for i, sess := range sessions {
		if sess.State() != StateCancelled {
			t.Errorf("session %d: expected cancelled, got %s", i, sess.State())
		}
	}
	if other.State().Terminal() {
		t.Error("other client's session should be unaffected")
	}
}

func TestGet_Snapshot(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)

	sess, err := f.manager.Start(StartRequest{ClientID: "c1", Prompt: "quick"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.sink.waitFinal(t)
	waitForState(t, sess, StateCompleted)

	snap, err := f.manager.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.State != StateCompleted || snap.ClientID != "c1" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.EndedAt.IsZero() {
		t.Error("terminal snapshot should record end time")
	}

	if _, err := f.manager.Get("missing"); !stderrors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSequential_ChunkAccounting(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)
	f.stub.Respond("prompt", "one two three four five six")

	sess, err := f.manager.Start(StartRequest{ClientID: "c1", Prompt: "prompt"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.sink.waitFinal(t)
	waitForState(t, sess, StateCompleted)

	chunks := f.sink.collected()
	var bytes int64
	for _, c := range chunks {
		bytes += int64(len(c.Content))
	}

	snap, err := f.manager.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.TotalChunks != len(chunks) {
		t.Errorf("expected %d total chunks, got %d", len(chunks), snap.TotalChunks)
	}
	if snap.CompletedChunks != snap.TotalChunks {
		t.Errorf("completed session should have delivered every chunk: %d/%d",
			snap.CompletedChunks, snap.TotalChunks)
	}
	if snap.CompletedChunks > snap.TotalChunks {
		t.Errorf("completed chunks exceed total: %d > %d",
			snap.CompletedChunks, snap.TotalChunks)
	}
	if snap.BytesEmitted != bytes {
		t.Errorf("expected %d bytes emitted, got %d", bytes, snap.BytesEmitted)
	}
	if snap.AvgChunkLatency < 0 {
		t.Errorf("negative average chunk latency: %v", snap.AvgChunkLatency)
	}
	if snap.DurationMs < 0 {
		t.Errorf("negative duration: %d", snap.DurationMs)
	}
}

func TestSequential_SystemPromptReachesGenerator(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)
	f.stub.Respond("prompt", "hello world")

	_, err := f.manager.Start(StartRequest{
		ClientID:     "c1",
		Prompt:       "prompt",
		SystemPrompt: "answer in haiku",
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.sink.waitFinal(t)

	reqs := f.stub.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 generator request, got %d", len(reqs))
	}
	if reqs[0].SystemPrompt != "answer in haiku" {
		t.Errorf("system prompt lost en route: %q", reqs[0].SystemPrompt)
	}
}

func TestSequential_SystemPromptSeparatesCacheEntries(t *testing.T) {
	f := newFixture(t, testSessionConfig(), true)
	f.stub.Respond("prompt", "same words")

	_, err := f.manager.Start(StartRequest{
		ClientID: "c1", Prompt: "prompt", SystemPrompt: "be formal",
	})
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	f.sink.waitFinal(t)

	_, err = f.manager.Start(StartRequest{
		ClientID: "c2", Prompt: "prompt", SystemPrompt: "be casual",
	})
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	f.sink.waitFinal(t)

	if f.stub.Calls() != 2 {
		t.Errorf("different system prompts must not share a cache entry, got %d calls",
			f.stub.Calls())
	}
	if f.cache.Len() != 2 {
		t.Errorf("expected 2 cache entries, got %d", f.cache.Len())
	}
}

func TestStart_RejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t, testSessionConfig(), false)

	_, err := f.manager.Start(StartRequest{
		ClientID: "c1", Prompt: "p", Strategy: Strategy("zigzag"),
	})
	if err == nil {
		t.Error("expected error for unknown strategy")
	}
	if f.adm.Active() != 0 {
		t.Errorf("rejected start must not hold a slot, %d active", f.adm.Active())
	}
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, state=%s", want, sess.State())
}
