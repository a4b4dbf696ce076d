// Package ciphers implements the symmetric cipher family the encrypted block
// layer and the config envelope choose from. Every cipher couples a 128-bit
// block primitive (AES, Twofish, Serpent, CAST-256, MARS) with either an
// authenticated GCM construction or an unauthenticated CFB construction.
//
// CFB variants carry an IV but no authentication tag. Selecting a CFB cipher
// voids tamper detection for block contents entirely; the only integrity
// check left is the block-id header match in the encrypted store, which
// catches block swaps but not in-place modification. They stay available for
// compatibility with filesystems created that way.
package ciphers

import (
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/veilfs/veilfs/crypto/random"
)

var (
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrCiphertextTooSmall = errors.New("ciphertext smaller than cipher overhead")
	ErrWrongKeySize       = errors.New("wrong key size")
)

// Cipher is a symmetric cipher with a fixed key size and fixed size relations
// between plaintext and ciphertext.
type Cipher interface {
	Name() string
	KeySize() int

	CiphertextSize(plaintextSize uint64) uint64
	PlaintextSize(ciphertextSize uint64) (uint64, error)

	// Encrypt draws a fresh IV from rnd; equal inputs produce different
	// ciphertexts.
	Encrypt(plaintext, key []byte, rnd random.Random) ([]byte, error)

	// Decrypt returns ErrDecryptionFailed on authentication failure,
	// truncation below the cipher overhead, or a malformed ciphertext.
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

// CreateKey draws a fresh key of the cipher's key size from rnd.
func CreateKey(c Cipher, rnd random.Random) []byte {
	return rnd.Bytes(c.KeySize())
}

// blockFactory builds the underlying 128-bit block cipher for a key.
type blockFactory func(key []byte) (cipher.Block, error)

const (
	gcmIVSize  = 12
	gcmTagSize = 16
	cfbIVSize  = 16 // block size of every cipher in the family
)

// gcmCipher is the authenticated construction: [12-byte IV | ciphertext | 16-byte tag].
type gcmCipher struct {
	name     string
	keySize  int
	newBlock blockFactory
}

func (c *gcmCipher) Name() string { return c.name }

func (c *gcmCipher) KeySize() int { return c.keySize }

func (c *gcmCipher) CiphertextSize(plaintextSize uint64) uint64 {
	return plaintextSize + gcmIVSize + gcmTagSize
}

func (c *gcmCipher) PlaintextSize(ciphertextSize uint64) (uint64, error) {
	if ciphertextSize < gcmIVSize+gcmTagSize {
		return 0, ErrCiphertextTooSmall
	}
	return ciphertextSize - gcmIVSize - gcmTagSize, nil
}

func (c *gcmCipher) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != c.keySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongKeySize, len(key), c.keySize)
	}
	block, err := c.newBlock(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (c *gcmCipher) Encrypt(plaintext, key []byte, rnd random.Random) ([]byte, error) {
	gcm, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	iv := rnd.Bytes(gcmIVSize)
	out := make([]byte, gcmIVSize, c.CiphertextSize(uint64(len(plaintext))))
	copy(out, iv)
	return gcm.Seal(out, iv, plaintext, nil), nil
}

func (c *gcmCipher) Decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcmIVSize+gcmTagSize {
		return nil, ErrDecryptionFailed
	}
	iv := ciphertext[:gcmIVSize]
	plain, err := gcm.Open(nil, iv, ciphertext[gcmIVSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// cfbCipher is the unauthenticated construction: [16-byte IV | ciphertext].
// No tamper detection at all, see the package comment.
type cfbCipher struct {
	name     string
	keySize  int
	newBlock blockFactory
}

func (c *cfbCipher) Name() string { return c.name }

func (c *cfbCipher) KeySize() int { return c.keySize }

func (c *cfbCipher) CiphertextSize(plaintextSize uint64) uint64 {
	return plaintextSize + cfbIVSize
}

func (c *cfbCipher) PlaintextSize(ciphertextSize uint64) (uint64, error) {
	if ciphertextSize < cfbIVSize {
		return 0, ErrCiphertextTooSmall
	}
	return ciphertextSize - cfbIVSize, nil
}

func (c *cfbCipher) block(key []byte) (cipher.Block, error) {
	if len(key) != c.keySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongKeySize, len(key), c.keySize)
	}
	return c.newBlock(key)
}

func (c *cfbCipher) Encrypt(plaintext, key []byte, rnd random.Random) ([]byte, error) {
	block, err := c.block(key)
	if err != nil {
		return nil, err
	}
	iv := rnd.Bytes(cfbIVSize)
	out := make([]byte, cfbIVSize+len(plaintext))
	copy(out, iv)
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out[cfbIVSize:], plaintext)
	return out, nil
}

func (c *cfbCipher) Decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := c.block(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < cfbIVSize {
		return nil, ErrDecryptionFailed
	}
	iv := ciphertext[:cfbIVSize]
	plain := make([]byte, len(ciphertext)-cfbIVSize)
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(plain, ciphertext[cfbIVSize:])
	return plain, nil
}
