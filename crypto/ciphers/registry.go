package ciphers

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sort"

	"github.com/deatil/go-cryptobin/cipher/cast256"
	"github.com/deatil/go-cryptobin/cipher/mars"
	"github.com/deatil/go-cryptobin/cipher/serpent"
	"github.com/samber/lo"
	"golang.org/x/crypto/twofish"
)

// DefaultCipherName is what new filesystems get unless the user picks
// something else.
const DefaultCipherName = "aes-256-gcm"

func newTwofish(key []byte) (cipher.Block, error) {
	return twofish.NewCipher(key)
}

func newSerpent(key []byte) (cipher.Block, error) {
	return serpent.NewCipher(key)
}

func newCast256(key []byte) (cipher.Block, error) {
	return cast256.NewCipher(key)
}

func newMars(key []byte) (cipher.Block, error) {
	return mars.NewCipher(key)
}

type cipherSpec struct {
	base     string
	keySize  int
	newBlock blockFactory
}

var cipherSpecs = []cipherSpec{
	{"aes", 16, aes.NewCipher},
	{"aes", 32, aes.NewCipher},
	{"twofish", 16, newTwofish},
	{"twofish", 32, newTwofish},
	{"serpent", 16, newSerpent},
	{"serpent", 32, newSerpent},
	{"cast", 32, newCast256},
	{"mars", 16, newMars},
	{"mars", 32, newMars},
	{"mars", 56, newMars},
}

var registry = buildRegistry()

func buildRegistry() map[string]Cipher {
	out := make(map[string]Cipher, 2*len(cipherSpecs))
	for _, spec := range cipherSpecs {
		gcmName := fmt.Sprintf("%s-%d-gcm", spec.base, spec.keySize*8)
		cfbName := fmt.Sprintf("%s-%d-cfb", spec.base, spec.keySize*8)
		out[gcmName] = &gcmCipher{name: gcmName, keySize: spec.keySize, newBlock: spec.newBlock}
		out[cfbName] = &cfbCipher{name: cfbName, keySize: spec.keySize, newBlock: spec.newBlock}
	}
	return out
}

// Lookup resolves a canonical cipher name, e.g. "aes-256-gcm".
func Lookup(name string) (Cipher, bool) {
	c, ok := registry[name]
	return c, ok
}

// SupportedCipherNames lists all canonical names, sorted.
func SupportedCipherNames() []string {
	names := lo.Keys(registry)
	sort.Strings(names)
	return names
}
