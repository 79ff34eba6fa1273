package chain

import "github.com/google/uuid"

// TradeKey maps a trade's correlation id to the escrow contract's bytes32
// key: the canonical hyphen-stripped hex rendering decoded to 16 raw bytes,
// right-padded with zero bytes to the contract's key width.
func TradeKey(id uuid.UUID) [32]byte {
	var key [32]byte
	copy(key[:16], id[:])
	return key
}

// TradeIDFromKey reconstructs the correlation id from the first 16 bytes of a
// contract key. Inverse of TradeKey; the mapping is the join key between the
// local ledger and on-chain records and must round-trip bit-exactly.
func TradeIDFromKey(key [32]byte) (uuid.UUID, error) {
	return uuid.FromBytes(key[:16])
}
