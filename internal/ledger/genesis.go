package ledger

import "fmt"

// Genesis constants. Every node derives the identical block from these.
const (
	GenesisPreviousHash = "0"
	GenesisProducer     = "genesis"
	GenesisCreatedAt    = 0
)

// Genesis builds the well-known height-0 block. It carries no transactions
// and no signature.
func Genesis(h Hasher) Block {
	b := Block{
		Height:       0,
		CreatedAt:    GenesisCreatedAt,
		Transactions: []Transaction{},
		PreviousHash: GenesisPreviousHash,
		Producer:     GenesisProducer,
	}
	b.Hash = b.ComputeHash(h)
	return b
}

func verifyGenesis(b *Block, h Hasher) error {
	want := Genesis(h)
	if b.CreatedAt != want.CreatedAt || b.PreviousHash != want.PreviousHash ||
		b.Producer != want.Producer || len(b.Transactions) != 0 || len(b.Signature) != 0 {
		return fmt.Errorf("%w: block 0 is not the genesis block", ErrHashMismatch)
	}
	if b.Hash != want.Hash {
		return fmt.Errorf("%w: genesis hash %s", ErrHashMismatch, b.Hash)
	}
	return nil
}
