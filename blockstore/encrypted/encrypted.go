// Package encrypted wraps a base block store so each block is persisted as
// ciphertext. The plaintext of every block starts with a 16-byte copy of its
// own id; together with the cipher's authentication this binds a ciphertext
// to its id, so an attacker can neither flip bits in place (authenticated
// ciphers) nor move the ciphertext of block A under block B's id.
package encrypted

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/crypto/ciphers"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

const headerLen = blockstore.BlockIDBinaryLength

type EncryptedBlockStore struct {
	base   blockstore.BlockStore
	cipher ciphers.Cipher
	key    []byte
	rnd    random.Random
	log    *slog.Logger
}

var _ blockstore.BlockStore = (*EncryptedBlockStore)(nil)

// New takes ownership of base. key must have the cipher's key size.
func New(base blockstore.BlockStore, cipher ciphers.Cipher, key []byte, rnd random.Random, log *slog.Logger) (*EncryptedBlockStore, error) {
	if len(key) != cipher.KeySize() {
		return nil, fmt.Errorf("%w: got %d, want %d", ciphers.ErrWrongKeySize, len(key), cipher.KeySize())
	}
	if log == nil {
		log = slog.Default()
	}
	return &EncryptedBlockStore{base: base, cipher: cipher, key: key, rnd: rnd, log: log}, nil
}

func (s *EncryptedBlockStore) CreateBlockID() blockstore.BlockID {
	return s.base.CreateBlockID()
}

func (s *EncryptedBlockStore) plaintextFor(id blockstore.BlockID, payload data.Data) data.Data {
	plain := data.NewData(headerLen + payload.Size())
	copy(plain, id.Bytes())
	copy(plain[headerLen:], payload)
	return plain
}

func (s *EncryptedBlockStore) TryCreate(id blockstore.BlockID, payload data.Data) (blockstore.Block, error) {
	plain := s.plaintextFor(id, payload)
	ciphertext, err := s.cipher.Encrypt(plain, s.key, s.rnd)
	if err != nil {
		return nil, fmt.Errorf("encrypt block: %w", err)
	}
	baseBlock, err := s.base.TryCreate(id, data.Data(ciphertext))
	if err != nil {
		return nil, err
	}
	return newBlock(s, baseBlock, plain), nil
}

func (s *EncryptedBlockStore) Create(payload data.Data) (blockstore.Block, error) {
	return blockstore.CreateLoop(s, payload)
}

func (s *EncryptedBlockStore) Load(id blockstore.BlockID) (blockstore.Block, error) {
	baseBlock, err := s.base.Load(id)
	if err != nil {
		return nil, err
	}
	plain, err := s.cipher.Decrypt(baseBlock.Data(), s.key)
	if err != nil {
		baseBlock.Close()
		s.log.Warn("block failed to decrypt, it was probably modified by an attacker", "block", id.Hex())
		return nil, blockstore.ErrBlockNotFound
	}
	if len(plain) < headerLen || !bytes.Equal(plain[:headerLen], id.Bytes()) {
		baseBlock.Close()
		s.log.Warn("block id header mismatch, the block was probably modified by an attacker", "block", id.Hex())
		return nil, blockstore.ErrBlockNotFound
	}
	return newBlock(s, baseBlock, data.NewDataFromBytes(plain)), nil
}

func (s *EncryptedBlockStore) Remove(b blockstore.Block) error {
	eb, ok := b.(*encryptedBlock)
	if !ok {
		return fmt.Errorf("remove: block does not belong to this store")
	}
	eb.closed = true
	return s.base.Remove(eb.baseBlock)
}

func (s *EncryptedBlockStore) NumBlocks() (uint64, error) {
	return s.base.NumBlocks()
}

func (s *EncryptedBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	ciphertextSize, err := s.base.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
	if err != nil {
		return 0, err
	}
	plaintextSize, err := s.cipher.PlaintextSize(ciphertextSize)
	if err != nil || plaintextSize < headerLen {
		return 0, blockstore.ErrPhysicalBlockSizeTooSmall
	}
	return plaintextSize - headerLen, nil
}

func (s *EncryptedBlockStore) PhysicalBlockSizeFromBlockSize(blockSize uint64) uint64 {
	return s.base.PhysicalBlockSizeFromBlockSize(s.cipher.CiphertextSize(blockSize + headerLen))
}

func (s *EncryptedBlockStore) Close() error {
	return s.base.Close()
}

// encryptedBlock buffers the full plaintext plus a dirty bit; re-encryption
// happens only on Flush/Close. Each open block costs O(block size) memory;
// concurrent readers share one buffer through the parallel-access layer.
type encryptedBlock struct {
	store     *EncryptedBlockStore
	baseBlock blockstore.Block
	plain     data.Data // [16-byte id header | payload]
	dirty     bool
	closed    bool
}

var _ blockstore.Block = (*encryptedBlock)(nil)

func newBlock(store *EncryptedBlockStore, baseBlock blockstore.Block, plain data.Data) *encryptedBlock {
	return &encryptedBlock{store: store, baseBlock: baseBlock, plain: plain}
}

func (b *encryptedBlock) ID() blockstore.BlockID { return b.baseBlock.ID() }

func (b *encryptedBlock) Size() uint64 { return b.plain.Size() - headerLen }

func (b *encryptedBlock) Data() []byte { return b.plain[headerLen:] }

func (b *encryptedBlock) Write(offset uint64, source []byte) error {
	if offset+uint64(len(source)) > b.Size() {
		return fmt.Errorf("write [%d,%d) out of range %d", offset, offset+uint64(len(source)), b.Size())
	}
	copy(b.plain[headerLen+offset:], source)
	b.dirty = true
	return nil
}

func (b *encryptedBlock) Resize(newSize uint64) {
	b.plain = b.plain.Resize(headerLen + newSize)
	b.dirty = true
}

func (b *encryptedBlock) Flush() error {
	if !b.dirty {
		return nil
	}
	ciphertext, err := b.store.cipher.Encrypt(b.plain, b.store.key, b.store.rnd)
	if err != nil {
		return fmt.Errorf("encrypt block: %w", err)
	}
	b.baseBlock.Resize(uint64(len(ciphertext)))
	if err := b.baseBlock.Write(0, ciphertext); err != nil {
		return err
	}
	if err := b.baseBlock.Flush(); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

func (b *encryptedBlock) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.Flush(); err != nil {
		return err
	}
	return b.baseBlock.Close()
}
