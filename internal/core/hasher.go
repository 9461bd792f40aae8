package core

import (
	"crypto/sha256"
	"encoding/binary"

	"PeerLend/internal/market"
)

const GenesisHashSeed = "PeerLend:genesis:v1"

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	return &StateHasher{
		prevHash: genesis,
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(h.prevHash[:])

	// Write sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	// Write state digest
	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	// Update prev_hash for next iteration
	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// marketDigest serializes the accounting-relevant state of one market
// into a deterministic byte string: indexes, checkpoints, and the delta
// record. Positions are recoverable from the operation log itself, so
// the digest pins only the shared per-market aggregates.
func marketDigest(m *market.Market) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, m.Symbol...)
	buf = append(buf, 0)

	var blockBuf [8]byte
	binary.LittleEndian.PutUint64(blockBuf[:], m.LastUpdateBlock)
	buf = append(buf, blockBuf[:]...)

	for _, v := range [][]byte{
		m.P2PSupplyIndex.Bytes(),
		m.P2PBorrowIndex.Bytes(),
		m.LastPoolSupplyIndex.Bytes(),
		m.LastPoolBorrowIndex.Bytes(),
		m.Delta.P2PSupplyDelta.Bytes(),
		m.Delta.P2PBorrowDelta.Bytes(),
		m.Delta.P2PSupplyAmount.Bytes(),
		m.Delta.P2PBorrowAmount.Bytes(),
	} {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, v...)
	}
	return buf
}
