package maildir

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dork-labs/relay/internal/envelope"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func testEnvelope(t *testing.T, subject string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(subject, "sys", "", map[string]string{"msg": "hi"}, envelope.DefaultBudget(time.Now()))
	require.NoError(t, err)
	return env
}

func TestHashSubject(t *testing.T) {
	h := HashSubject("relay.agent.alice")
	require.Len(t, h, 16)
	require.Equal(t, h, HashSubject("relay.agent.alice"), "hash must be deterministic")
	require.NotEqual(t, h, HashSubject("relay.agent.bob"))
}

func TestWriteClaimCompleteLifecycle(t *testing.T) {
	s := newStore(t)
	hash := HashSubject("relay.agent.alice")
	env := testEnvelope(t, "relay.agent.alice")

	require.NoError(t, s.Write(hash, env))

	ids, err := s.ListNew(hash)
	require.NoError(t, err)
	require.Equal(t, []string{env.ID}, ids)

	require.NoError(t, s.Claim(hash, env.ID))

	ids, err = s.ListNew(hash)
	require.NoError(t, err)
	require.Empty(t, ids)
	ids, err = s.ListCurrent(hash)
	require.NoError(t, err)
	require.Equal(t, []string{env.ID}, ids)

	require.NoError(t, s.Complete(hash, env.ID))
	ids, err = s.ListCurrent(hash)
	require.NoError(t, err)
	require.Empty(t, ids)

	// Complete is idempotent.
	require.NoError(t, s.Complete(hash, env.ID))
}

func TestClaimRace(t *testing.T) {
	s := newStore(t)
	hash := HashSubject("relay.agent.alice")
	env := testEnvelope(t, "relay.agent.alice")
	require.NoError(t, s.Write(hash, env))

	const claimers = 8
	var wg sync.WaitGroup
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Claim(hash, env.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrNotFound)
		}
	}
	require.Equal(t, 1, wins, "exactly one claimer must win")
}

func TestFailWritesSidecarBeforeMove(t *testing.T) {
	s := newStore(t)
	hash := HashSubject("relay.agent.alice")
	env := testEnvelope(t, "relay.agent.alice")
	require.NoError(t, s.Write(hash, env))
	require.NoError(t, s.Claim(hash, env.ID))
	require.NoError(t, s.Fail(hash, env.ID, "handler exploded"))

	got, reason, err := s.ReadDeadLetter(hash, env.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, "handler exploded", reason.Reason)
	require.False(t, reason.FailedAt.IsZero())

	ids, err := s.ListCurrent(hash)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestFailDirectRoundTrip(t *testing.T) {
	s := newStore(t)
	hash := HashSubject("relay.agent.alice")
	env := testEnvelope(t, "relay.agent.alice")

	require.NoError(t, s.FailDirect(hash, env, "hop_limit"))

	got, reason, err := s.ReadDeadLetter(hash, env.ID)
	require.NoError(t, err)
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, env.Subject, got.Subject)
	require.Equal(t, "hop_limit", reason.Reason)

	// Never entered new/.
	ids, err := s.ListNew(hash)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestMissingSidecarReadsAsUnknown(t *testing.T) {
	s := newStore(t)
	hash := HashSubject("relay.agent.alice")
	env := testEnvelope(t, "relay.agent.alice")
	require.NoError(t, s.FailDirect(hash, env, "x"))
	require.NoError(t, os.Remove(filepath.Join(s.Dir(hash, DirFailed), env.ID+".reason.json")))

	_, reason, err := s.ReadDeadLetter(hash, env.ID)
	require.NoError(t, err)
	require.Equal(t, "unknown", reason.Reason)
}

func TestReadEnvelopeMissingAndCorrupt(t *testing.T) {
	s := newStore(t)
	hash := HashSubject("relay.agent.alice")
	require.NoError(t, s.Ensure(hash))

	env, err := s.ReadEnvelope(hash, DirNew, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.NoError(t, err)
	require.Nil(t, env)

	// Corrupt file parses as absent, not as an error.
	bad := filepath.Join(s.Dir(hash, DirNew), "01ARZ3NDEKTSV4RRFFQ69G5FAV.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	env, err = s.ReadEnvelope(hash, DirNew, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestListSkipsSidecarsAndSorts(t *testing.T) {
	s := newStore(t)
	hash := HashSubject("relay.agent.alice")
	var want []string
	for i := 0; i < 3; i++ {
		env := testEnvelope(t, "relay.agent.alice")
		require.NoError(t, s.Write(hash, env))
		require.NoError(t, s.Claim(hash, env.ID))
		require.NoError(t, s.Fail(hash, env.ID, "x"))
		want = append(want, env.ID)
	}
	ids, err := s.ListFailed(hash)
	require.NoError(t, err)
	require.Equal(t, want, ids, "ULID allocation order is list order")
}

func TestRemoveDeadLetter(t *testing.T) {
	s := newStore(t)
	hash := HashSubject("relay.agent.alice")
	env := testEnvelope(t, "relay.agent.alice")
	require.NoError(t, s.FailDirect(hash, env, "x"))
	require.NoError(t, s.RemoveDeadLetter(hash, env.ID))
	require.NoError(t, s.RemoveDeadLetter(hash, env.ID), "repeat removal is a no-op")

	ids, err := s.ListFailed(hash)
	require.NoError(t, err)
	require.Empty(t, ids)
}
