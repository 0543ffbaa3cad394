package audit

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, MasterKeySize)
}

// buildChain returns n correctly chained entries signed with key.
func buildChain(t *testing.T, key []byte, n int) []Entry {
	t.Helper()
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	prev := GenesisHash
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e := Entry{
			ID:        string(rune('a' + i)),
			Seq:       uint64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			EventType: EventLoginSuccess,
			SubjectID: "alice",
			Outcome:   OutcomeSuccess,
			RiskLevel: RiskLow,
			PrevHash:  prev,
		}
		h, err := ComputeHash(key, e)
		require.NoError(t, err)
		e.Hash = h
		prev = h
		out = append(out, e)
	}
	return out
}

func statusOf(t *testing.T, r VerifyResult, name string) string {
	t.Helper()
	c, ok := r.Check(name)
	require.True(t, ok, "check %s missing", name)
	return c.Status
}

func TestVerify(t *testing.T) {
	key := testMasterKey()

	t.Run("Empty", func(t *testing.T) {
		r := Verify(nil, key)
		assert.True(t, r.Valid)
		assert.Equal(t, CheckPass, statusOf(t, r, "empty_chain"))
	})

	t.Run("Intact", func(t *testing.T) {
		r := Verify(buildChain(t, key, 5), key)
		assert.True(t, r.Valid)
		assert.Equal(t, CheckPass, statusOf(t, r, "genesis_anchor"))
		assert.Equal(t, CheckPass, statusOf(t, r, "chain_continuity"))
		assert.Equal(t, CheckPass, statusOf(t, r, "entry_mac"))
	})

	t.Run("MidChainSliceWarns", func(t *testing.T) {
		r := Verify(buildChain(t, key, 5)[2:], key)
		assert.True(t, r.Valid)
		assert.Equal(t, CheckWarn, statusOf(t, r, "genesis_anchor"))
	})

	t.Run("RemovedEntry", func(t *testing.T) {
		chain := buildChain(t, key, 5)
		chain = append(chain[:2], chain[3:]...)
		r := Verify(chain, key)
		assert.False(t, r.Valid)
		assert.Equal(t, CheckFail, statusOf(t, r, "chain_continuity"))
	})

	t.Run("TamperedField", func(t *testing.T) {
		chain := buildChain(t, key, 3)
		chain[1].SubjectID = "mallory"
		r := Verify(chain, key)
		assert.False(t, r.Valid)
		assert.Equal(t, CheckFail, statusOf(t, r, "entry_mac"))
	})

	t.Run("WrongKey", func(t *testing.T) {
		chain := buildChain(t, key, 3)
		r := Verify(chain, bytes.Repeat([]byte{1}, MasterKeySize))
		assert.False(t, r.Valid)
	})

	t.Run("NoKeyWarns", func(t *testing.T) {
		r := Verify(buildChain(t, key, 3), nil)
		assert.True(t, r.Valid)
		assert.Equal(t, CheckWarn, statusOf(t, r, "entry_mac"))
	})

	t.Run("DuplicateID", func(t *testing.T) {
		chain := buildChain(t, key, 3)
		chain[2].ID = chain[0].ID
		r := Verify(chain, nil)
		assert.False(t, r.Valid)
		assert.Equal(t, CheckFail, statusOf(t, r, "no_duplicate_ids"))
	})

	t.Run("ClockSkewOnlyWarns", func(t *testing.T) {
		chain := buildChain(t, key, 3)
		chain[2].Timestamp = chain[0].Timestamp.Add(-time.Hour)
		r := Verify(chain, nil)
		assert.True(t, r.Valid)
		assert.Equal(t, CheckWarn, statusOf(t, r, "monotonic_timestamps"))
	})
}

func TestDeriveKeys(t *testing.T) {
	_, err := DeriveKeys(nil)
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = DeriveKeys([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewKeys(nil)
	assert.ErrorIs(t, err, ErrMissingKey)

	master := testMasterKey()
	k, err := DeriveKeys(master)
	require.NoError(t, err)
	assert.Equal(t, testMasterKey(), master, "caller keeps the master key")

	x := Export{Entries: buildChain(t, []byte("k"), 2)}
	sig, err := k.signExport(x)
	require.NoError(t, err)
	x.Signature = sig

	ok, err := k.VerifySignature(x)
	require.NoError(t, err)
	assert.True(t, ok)

	x.Entries = x.Entries[:1]
	ok, err = k.VerifySignature(x)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanonicalIgnoresEmptyDetails(t *testing.T) {
	e := Entry{ID: "x", Timestamp: time.Unix(0, 0)}
	a, err := canonical(e)
	require.NoError(t, err)
	e.Details = map[string]string{}
	b, err := canonical(e)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
