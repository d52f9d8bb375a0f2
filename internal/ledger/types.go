package ledger

import (
	"encoding/json"
	"fmt"
)

// Kind classifies what a transaction carries.
type Kind string

const (
	KindMessage   Kind = "message"
	KindEmergency Kind = "emergency"
	KindLocation  Kind = "location"
	KindNetwork   Kind = "network"
	KindSystem    Kind = "system"
)

// Kinds lists every known transaction kind.
var Kinds = []Kind{KindMessage, KindEmergency, KindLocation, KindNetwork, KindSystem}

// ParseKind converts s into a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown transaction kind %q", s)
}

// Transaction is a signed ledger entry. It is immutable once sealed.
type Transaction struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Sender      string          `json:"sender"`
	Recipient   string          `json:"recipient,omitempty"` // empty = broadcast
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   int64           `json:"createdAt"` // unix millis, sender clock
	Signature   []byte          `json:"signature"`
	ContentHash string          `json:"contentHash"`
}

// IsBroadcast reports whether the transaction has no explicit recipient.
func (tx *Transaction) IsBroadcast() bool {
	return tx.Recipient == ""
}

// Involves reports whether nodeID sent or received the transaction.
func (tx *Transaction) Involves(nodeID string) bool {
	return tx.Sender == nodeID || tx.Recipient == nodeID
}

// Block is a hash-linked batch of committed transactions.
type Block struct {
	Height       uint64        `json:"height"`
	CreatedAt    int64         `json:"createdAt"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previousHash"`
	Hash         string        `json:"hash"`
	Producer     string        `json:"producer"`
	Signature    []byte        `json:"signature"`
}

// TransactionIDs returns the ids of the block's transactions in packing order.
func (b *Block) TransactionIDs() []string {
	ids := make([]string, len(b.Transactions))
	for i := range b.Transactions {
		ids[i] = b.Transactions[i].ID
	}
	return ids
}

// Hasher is the hashing half of the crypto collaborator.
type Hasher interface {
	Hash(data []byte) []byte
}

// Crypto is the signing/hashing collaborator. Node identifiers double as
// public keys, so Verify takes the signer's node id.
type Crypto interface {
	Hasher
	Sign(digest []byte) ([]byte, error)
	Verify(digest, signature []byte, nodeID string) (bool, error)
}
