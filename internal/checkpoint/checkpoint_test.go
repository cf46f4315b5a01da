package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFiles struct {
	err   error
	calls []string
}

func (f *fakeFiles) RewindFiles(ctx context.Context, userMessageID string) error {
	f.calls = append(f.calls, userMessageID)
	return f.err
}

type fakeTranscript map[string]string

func (f fakeTranscript) ParentOf(ctx context.Context, sessionID, uuid string) (string, error) {
	parent, ok := f[uuid]
	if !ok {
		return "", errors.New("not found")
	}
	return parent, nil
}

type recordingPersister struct {
	mu  sync.Mutex
	cps []Checkpoint
	err error
}

func (p *recordingPersister) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cps = append(p.cps, cp)
	return p.err
}

func TestParseOption(t *testing.T) {
	for _, s := range []string{"code-and-conversation", "conversation-only", "code-only"} {
		o, err := ParseOption(s)
		require.NoError(t, err)
		assert.Equal(t, Option(s), o)
	}

	o, err := ParseOption("")
	require.NoError(t, err)
	assert.Equal(t, OptionCodeAndConversation, o)

	_, err = ParseOption("everything")
	assert.ErrorIs(t, err, ErrInvalidOption)

	assert.True(t, OptionCodeOnly.Files())
	assert.False(t, OptionCodeOnly.Conversation())
	assert.False(t, OptionConversationOnly.Files())
	assert.True(t, OptionCodeAndConversation.Files() && OptionCodeAndConversation.Conversation())
}

func TestEpoch_FenceInvalidatedByAdvance(t *testing.T) {
	var e Epoch
	f := e.Fence()
	assert.True(t, f.Valid())

	committed := f.Commit(func() {})
	assert.True(t, committed)

	e.Advance()
	assert.False(t, f.Valid())

	ran := false
	assert.False(t, f.Commit(func() { ran = true }))
	assert.False(t, ran)

	assert.False(t, Fence{}.Valid())
}

func TestTracker_TrackUsesLatestUserMessage(t *testing.T) {
	p := &recordingPersister{}
	tr := NewTracker(WithPersister(p))
	tr.SetSession("s1")

	tr.BeginTurn("turn-1")
	tr.ObserveUser("u1")
	tr.Track("a1")
	tr.ObserveUser("u2")
	tr.Track("a2")

	cp, ok := tr.Resolve("a1")
	require.True(t, ok)
	assert.Equal(t, "u1", cp.UserID)
	assert.Equal(t, "s1", cp.SessionID)
	assert.Equal(t, "turn-1", cp.TurnID)

	cp, ok = tr.Resolve("a2")
	require.True(t, ok)
	assert.Equal(t, "u2", cp.UserID)
	assert.Len(t, p.cps, 2)
}

func TestTracker_TrackWaitsForUserID(t *testing.T) {
	tr := NewTracker()

	tr.BeginTurn("turn-1")
	tr.Track("a1")
	tr.Track("a2")
	_, ok := tr.Resolve("a1")
	assert.False(t, ok)

	tr.ObserveUser("u1")
	for _, id := range []string{"a1", "a2"} {
		cp, ok := tr.Resolve(id)
		require.True(t, ok, id)
		assert.Equal(t, "u1", cp.UserID)
	}

	// 新しいターンでは前のユーザーIDを使わない
	tr.BeginTurn("turn-2")
	tr.Track("a3")
	_, ok = tr.Resolve("a3")
	assert.False(t, ok)
}

func TestTracker_EndTurnCommitsLate(t *testing.T) {
	tr := NewTracker()
	tr.BeginTurn("turn-1")
	tr.Track("a1")
	tr.Track("a2")

	u, userID := tr.EndTurn()
	assert.Empty(t, userID)
	assert.Equal(t, "turn-1", u.TurnID)
	assert.Equal(t, []string{"a1", "a2"}, u.AssistantIDs)

	// 次のターンが始まってから前のターンのIDが分かった
	tr.BeginTurn("turn-2")
	tr.ObserveUser("u2")
	assert.Equal(t, 2, tr.Commit(u, "u1"))

	cp, ok := tr.Resolve("a1")
	require.True(t, ok)
	assert.Equal(t, "u1", cp.UserID)
	assert.Equal(t, "turn-1", cp.TurnID)

	tr.Track("b1")
	cp, ok = tr.Resolve("b1")
	require.True(t, ok)
	assert.Equal(t, "u2", cp.UserID)
	assert.Equal(t, "turn-2", cp.TurnID)

	_, userID = tr.EndTurn()
	assert.Equal(t, "u2", userID)
}

func TestTracker_CheckpointsAppendOnly(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.TrackCheckpoint("a1", "u1"))
	assert.False(t, tr.TrackCheckpoint("a1", "u9"))
	assert.False(t, tr.TrackCheckpoint("", "u1"))

	cp, _ := tr.Resolve("a1")
	assert.Equal(t, "u1", cp.UserID)
	assert.Len(t, tr.Checkpoints(), 1)
}

func TestTracker_PersistFailureIsLoggedOnly(t *testing.T) {
	tr := NewTracker(WithPersister(&recordingPersister{err: errors.New("disk full")}))
	assert.True(t, tr.TrackCheckpoint("a1", "u1"))
	_, ok := tr.Resolve("a1")
	assert.True(t, ok)
}

func TestRewind_ConversationOnlyForksFromParent(t *testing.T) {
	tr := NewTracker()
	files := &fakeFiles{}

	res, err := tr.Rewind(context.Background(), RewindRequest{
		SessionID:     "s1",
		UserMessageID: "u2",
		Option:        OptionConversationOnly,
	}, files, fakeTranscript{"u2": "p"})

	require.NoError(t, err)
	assert.Equal(t, "p", res.ResumeAt)
	assert.Equal(t, "p", tr.ResumeAt())
	assert.False(t, res.Cleared)
	assert.Empty(t, files.calls)
}

func TestRewind_FirstMessageClearsSession(t *testing.T) {
	tr := NewTracker()
	tr.TrackCheckpoint("a1", "u1")

	res, err := tr.Rewind(context.Background(), RewindRequest{
		SessionID:     "s1",
		UserMessageID: "u1",
		Option:        OptionConversationOnly,
	}, nil, fakeTranscript{"u1": ""})

	require.NoError(t, err)
	assert.True(t, res.Cleared)
	assert.Empty(t, tr.Checkpoints())
	assert.Empty(t, tr.ResumeAt())
}

func TestRewind_FileFailureIsWarningWhenForking(t *testing.T) {
	tr := NewTracker()
	files := &fakeFiles{err: errors.New("no checkpoint")}

	res, err := tr.Rewind(context.Background(), RewindRequest{
		UserMessageID: "u2",
		Option:        OptionCodeAndConversation,
	}, files, fakeTranscript{"u2": "u1"})

	require.NoError(t, err)
	assert.ErrorIs(t, res.FileWarning, ErrFileRewind)
	assert.False(t, res.FilesRestored)
	assert.Equal(t, "u1", res.ResumeAt)
	assert.Equal(t, []string{"u2"}, files.calls)
}

func TestRewind_CodeOnlyFailureIsError(t *testing.T) {
	tr := NewTracker()

	_, err := tr.Rewind(context.Background(), RewindRequest{
		UserMessageID: "u2",
		Option:        OptionCodeOnly,
	}, &fakeFiles{err: errors.New("no checkpoint")}, nil)
	assert.ErrorIs(t, err, ErrFileRewind)

	res, err := tr.Rewind(context.Background(), RewindRequest{
		UserMessageID: "u2",
		Option:        OptionCodeOnly,
	}, &fakeFiles{}, nil)
	require.NoError(t, err)
	assert.True(t, res.FilesRestored)
	assert.Empty(t, tr.ResumeAt())
}

func TestRewind_EpochAdvancesOncePerOperation(t *testing.T) {
	tr := NewTracker()
	start := tr.Epoch().Current()
	stale := tr.Epoch().Fence()
	tr.MarkInterrupted("turn-1")

	requests := []struct {
		option     Option
		files      FileRestorer
		transcript TranscriptReader
	}{
		{OptionCodeOnly, &fakeFiles{}, nil},
		{OptionCodeOnly, &fakeFiles{err: errors.New("x")}, nil},
		{OptionConversationOnly, nil, fakeTranscript{}},
		{OptionCodeAndConversation, &fakeFiles{err: errors.New("x")}, fakeTranscript{"u": "p"}},
	}
	for i, r := range requests {
		res, _ := tr.Rewind(context.Background(), RewindRequest{UserMessageID: "u", Option: r.option}, r.files, r.transcript)
		assert.Equal(t, start+uint64(i+1), res.Epoch)
	}
	assert.Equal(t, start+uint64(len(requests)), tr.Epoch().Current())
	assert.False(t, stale.Valid())

	_, interrupted := tr.Interrupted()
	assert.False(t, interrupted)

	// 不正な要求でも世代は進む
	n := start + uint64(len(requests))
	res, err := tr.Rewind(context.Background(), RewindRequest{UserMessageID: "u", Option: "bogus"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidOption)
	assert.Equal(t, n+1, res.Epoch)

	tr.MarkInterrupted("turn-2")
	res, err = tr.Rewind(context.Background(), RewindRequest{Option: OptionCodeOnly}, &fakeFiles{}, nil)
	assert.ErrorIs(t, err, ErrNoUserMessage)
	assert.Equal(t, n+2, res.Epoch)
	assert.Equal(t, n+2, tr.Epoch().Current())
	_, interrupted = tr.Interrupted()
	assert.False(t, interrupted)
}

func TestTracker_ResetKeepsEpoch(t *testing.T) {
	tr := NewTracker()
	tr.Epoch().Advance()
	tr.TrackCheckpoint("a1", "u1")

	tr.Reset()
	assert.Empty(t, tr.Checkpoints())
	assert.Equal(t, uint64(1), tr.Epoch().Current())
}
