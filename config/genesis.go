package config

import (
	"encoding/hex"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/models"
)

// CreateGenesisBlocks derives one genesis block per thread, deterministically,
// from cfg.Genesis.PublicKey: block t has slot {Period: 0, Thread: t}, no
// parents (models.ZeroHash in every slot), and an empty operation list. All
// threads are signed by the same genesis key so every node can verify them
// without needing a separate allocation transaction.
func CreateGenesisBlocks(cfg *Config, genesisPriv crypto.PrivateKey) ([]*models.Block, error) {
	if cfg.ThreadCount == 0 {
		return nil, fmt.Errorf("thread_count must be > 0")
	}
	pub := genesisPriv.Public()
	if pub.Hex() != cfg.Genesis.PublicKey {
		return nil, fmt.Errorf("genesis key does not match configured genesis.public_key")
	}

	parents := make([]models.Hash, cfg.ThreadCount)
	for i := range parents {
		parents[i] = models.ZeroHash
	}

	blocks := make([]*models.Block, cfg.ThreadCount)
	for t := uint8(0); t < cfg.ThreadCount; t++ {
		slot := models.Slot{Period: 0, Thread: t}
		block := models.NewBlock(slot, parents, nil, nil)
		block.Header.Sign(genesisPriv)
		blocks[t] = block
	}
	return blocks, nil
}

// GenesisAllocations copies cfg.Genesis.Alloc into a hex-pubkey → balance
// map, validating each key is well-formed hex.
func GenesisAllocations(cfg *Config) (map[string]uint64, error) {
	out := make(map[string]uint64, len(cfg.Genesis.Alloc))
	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		if _, err := hex.DecodeString(pubkeyHex); err != nil {
			return nil, fmt.Errorf("genesis.alloc: invalid pubkey %q: %w", pubkeyHex, err)
		}
		out[pubkeyHex] = balance
	}
	return out, nil
}

// IsGenesisBlock reports whether the slot identifies a thread's genesis slot
// (period 0).
func IsGenesisBlock(slot models.Slot) bool {
	return slot.Period == 0
}
