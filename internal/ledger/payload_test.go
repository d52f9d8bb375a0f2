package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/aidchain/internal/ledger"
)

func TestEncodePayloadIsCanonical(t *testing.T) {
	for _, raw := range []string{
		`{"text": "hi"}`,
		`{"b":1,"a":2}`,
		`{"text":"<b>"}`,
		`{"lat":1.50,"lon":2}`,
	} {
		enc, err := ledger.EncodePayload(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.True(t, ledger.IsCanonicalPayload(enc), raw)
		assert.False(t, ledger.IsCanonicalPayload(json.RawMessage(raw)), raw)

		// Re-encoding as part of a larger document leaves canonical bytes alone.
		wrapped, err := json.Marshal(struct {
			P json.RawMessage `json:"p"`
		}{enc})
		require.NoError(t, err)
		assert.Equal(t, `{"p":`+string(enc)+`}`, string(wrapped))
	}
}

func TestValidatePayloadRejectsNonCanonical(t *testing.T) {
	err := ledger.ValidatePayload(ledger.KindMessage, json.RawMessage(`{"text": "hi"}`))
	assert.ErrorIs(t, err, ledger.ErrInvalidPayload)
	assert.NoError(t, ledger.ValidatePayload(ledger.KindMessage, json.RawMessage(`{"text":"hi"}`)))
}

func TestNonCanonicalTransactionFailsVerification(t *testing.T) {
	k := newKeyring(t)
	tx := ledger.Transaction{
		ID:        "spaced",
		Kind:      ledger.KindMessage,
		Sender:    k.LocalNodeID(),
		Payload:   json.RawMessage(`{"text": "hi"}`),
		CreatedAt: 1000,
	}
	require.NoError(t, tx.Seal(k))

	assert.ErrorIs(t, tx.Verify(k), ledger.ErrHashMismatch)
	assert.ErrorIs(t, ledger.NewPool(k, nil, 0).Offer(tx), ledger.ErrHashMismatch)

	b := nextBlock(t, k, ledger.Genesis(k), tx)
	assert.ErrorIs(t, b.Verify(k), ledger.ErrHashMismatch)
}
