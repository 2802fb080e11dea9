package crypto

import (
	stdcipher "crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/secure-io/siv-go"
	"golang.org/x/crypto/chacha20poly1305"

	"rammingen-go/internal/proto"
)

// ErrDecrypt is wrapped by every failed decryption, whether the cause is a
// bad base64 encoding or an authentication failure.
var ErrDecrypt = errors.New("decryption failed")

// Cipher bundles the derived key schedules.
//
// Values bound for the server's database (path components, sizes) are
// encrypted with AES-SIV under a zero nonce, so equal plaintexts give equal
// ciphertexts and the server can answer equality and prefix queries without
// seeing plaintext. File content uses XChaCha20-Poly1305 with a per-chunk
// nonce derived from the chunk itself, so identical files encrypt to
// identical blobs and deduplicate by their ciphertext hash.
type Cipher struct {
	path     stdcipher.AEAD
	size     stdcipher.AEAD
	content  stdcipher.AEAD
	nonceKey []byte
}

// NewCipher derives the key schedules from the deployment key.
func NewCipher(key Key) (*Cipher, error) {
	pathKey, err := key.derive("path key", 64)
	if err != nil {
		return nil, err
	}
	sizeKey, err := key.derive("size key", 64)
	if err != nil {
		return nil, err
	}
	contentKey, err := key.derive("content key", chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	nonceKey, err := key.derive("content nonce key", 32)
	if err != nil {
		return nil, err
	}

	pathAEAD, err := siv.NewCMAC(pathKey)
	if err != nil {
		return nil, fmt.Errorf("creating path cipher: %w", err)
	}
	sizeAEAD, err := siv.NewCMAC(sizeKey)
	if err != nil {
		return nil, fmt.Errorf("creating size cipher: %w", err)
	}
	contentAEAD, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, fmt.Errorf("creating content cipher: %w", err)
	}

	return &Cipher{path: pathAEAD, size: sizeAEAD, content: contentAEAD, nonceKey: nonceKey}, nil
}

func sealDeterministic(aead stdcipher.AEAD, plaintext []byte) []byte {
	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, nil)
}

func openDeterministic(aead stdcipher.AEAD, ciphertext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication error", ErrDecrypt)
	}
	return plaintext, nil
}

// EncryptString deterministically encrypts a path component and encodes it
// base64-url without padding.
func (c *Cipher) EncryptString(value string) string {
	return base64.RawURLEncoding.EncodeToString(sealDeterministic(c.path, []byte(value)))
}

func (c *Cipher) DecryptString(value string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 %q: %v", ErrDecrypt, value, err)
	}
	plaintext, err := openDeterministic(c.path, raw)
	if err != nil {
		return "", fmt.Errorf("decrypting %q: %w", value, err)
	}
	return string(plaintext), nil
}

// EncryptPath encrypts an archive path component by component, so the
// encrypted form has the same shape and preserves parent/child structure.
func (c *Cipher) EncryptPath(p proto.ArchivePath) (proto.EncryptedArchivePath, error) {
	if p.IsRoot() {
		return proto.EncryptedPathFromRaw("/")
	}
	components := p.Components()
	encrypted := make([]string, len(components))
	for i, component := range components {
		encrypted[i] = c.EncryptString(component)
	}
	return proto.EncryptedPathFromRaw("/" + joinComponents(encrypted))
}

func (c *Cipher) DecryptPath(p proto.EncryptedArchivePath) (proto.ArchivePath, error) {
	if p.IsRoot() {
		return proto.RootArchivePath(), nil
	}
	components := p.Components()
	decrypted := make([]string, len(components))
	for i, component := range components {
		plain, err := c.DecryptString(component)
		if err != nil {
			return proto.ArchivePath{}, err
		}
		decrypted[i] = plain
	}
	return proto.ArchivePathFromRaw("/" + joinComponents(decrypted))
}

func joinComponents(components []string) string {
	out := components[0]
	for _, c := range components[1:] {
		out += "/" + c
	}
	return out
}

// EncryptSize deterministically encrypts a size, encoded as u64 LE.
func (c *Cipher) EncryptSize(size uint64) proto.EncryptedSize {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], size)
	return sealDeterministic(c.size, buf[:])
}

func (c *Cipher) DecryptSize(value proto.EncryptedSize) (uint64, error) {
	plaintext, err := openDeterministic(c.size, value)
	if err != nil {
		return 0, err
	}
	if len(plaintext) != 8 {
		return 0, fmt.Errorf("%w: invalid decrypted size length %d", ErrDecrypt, len(plaintext))
	}
	return binary.LittleEndian.Uint64(plaintext), nil
}
