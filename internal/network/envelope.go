package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/iggydv12/aidchain/internal/ledger"
)

// MaxMessageSize caps an encoded envelope on every transport. A full chain
// travels in one chain_response, so this also bounds the chain a peer can
// sync in a single round.
const MaxMessageSize = 16 << 20

// ErrMessageTooLarge reports an envelope over MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds transport limit")

// Tag selects how an envelope body is interpreted.
type Tag string

const (
	TagNewTransaction          Tag = "new_transaction"
	TagNewBlock                Tag = "new_block"
	TagGetChain                Tag = "get_chain"
	TagChainResponse           Tag = "chain_response"
	TagValidatorRegistration   Tag = "validator_registration"
	TagValidatorDeregistration Tag = "validator_deregistration"
)

// Envelope is the unit exchanged between peers. The transport treats Body as
// opaque; SenderID is overwritten on receipt with the authenticated origin.
type Envelope struct {
	Tag      Tag             `json:"tag"`
	Body     json.RawMessage `json:"body"`
	SenderID string          `json:"senderId"`
}

// NewTransactionBody carries a gossiped transaction.
type NewTransactionBody struct {
	Transaction ledger.Transaction `json:"transaction"`
}

// NewBlockBody carries a freshly produced block.
type NewBlockBody struct {
	Block ledger.Block `json:"block"`
}

// GetChainBody is empty.
type GetChainBody struct{}

// ChainResponseBody carries a full chain.
type ChainResponseBody struct {
	Chain []ledger.Block `json:"chain"`
}

// ValidatorBody names the node joining or leaving the validator set.
type ValidatorBody struct {
	NodeID string `json:"nodeId"`
}

// NewEnvelope encodes body under tag.
func NewEnvelope(tag Tag, senderID string, body any) (Envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s body: %w", tag, err)
	}
	return Envelope{Tag: tag, Body: data, SenderID: senderID}, nil
}

// Decode unmarshals the body into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Tag, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrMessageTooLarge, e.Tag, len(data), MaxMessageSize)
	}
	return data, nil
}

// ReadEnvelope reads one envelope from r until EOF. Input longer than
// MaxMessageSize fails with ErrMessageTooLarge instead of being truncated.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return Envelope{}, fmt.Errorf("read envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return Envelope{}, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, MaxMessageSize)
	}
	return UnmarshalEnvelope(data)
}

// UnmarshalEnvelope decodes wire bytes.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
