package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/klauspost/compress/flate"

	"rammingen-go/internal/proto"
)

// ChunkSize is the maximum plaintext length encrypted as one frame.
const ChunkSize = 1024 * 1024

// Encrypted content format: the deflate-compressed plaintext is split into
// chunks of at most ChunkSize bytes. Each chunk becomes one wire frame
// (u32 LE length prefix) holding the chunk nonce followed by the AEAD
// ciphertext; a zero-length frame terminates the stream. The content hash
// is SHA-256 over every emitted byte, so the server can verify an upload
// without holding any key.
//
// The chunk nonce is an HMAC of the chunk index and the chunk plaintext
// under a dedicated derived key. That makes encryption deterministic:
// identical files produce identical blobs and therefore identical content
// hashes, which is what content-addressed deduplication keys on. The only
// thing this reveals to the server is whole-blob equality, which the
// deduplication scheme exposes anyway.

// EncryptedContent is the result of encrypting a plaintext stream, spooled
// to a temporary file so it can be re-read for retried uploads.
type EncryptedContent struct {
	file          *os.File
	Hash          proto.ContentHash
	OriginalSize  uint64
	EncryptedSize int64
}

// Open rewinds the spool file for (re-)reading.
func (e *EncryptedContent) Open() (io.Reader, error) {
	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding encrypted content: %w", err)
	}
	return e.file, nil
}

// Close removes the spool file.
func (e *EncryptedContent) Close() error {
	name := e.file.Name()
	if err := e.file.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

// EncryptContent compresses, chunks and encrypts everything read from r
// into a temporary file under spoolDir (the system temp dir when empty).
func (c *Cipher) EncryptContent(spoolDir string, r io.Reader) (*EncryptedContent, error) {
	spool, err := os.CreateTemp(spoolDir, ".rammingen-spool-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	result, err := c.encryptContentInto(spool, r)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, err
	}
	return result, nil
}

func (c *Cipher) encryptContentInto(spool *os.File, r io.Reader) (*EncryptedContent, error) {
	hw := &hashingWriter{h: sha256.New(), w: spool}
	ew := &encryptingWriter{out: hw, cipher: c}
	zw, err := flate.NewWriter(ew, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	originalSize, err := io.Copy(zw, r)
	if err != nil {
		return nil, fmt.Errorf("encrypting content: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flushing compressor: %w", err)
	}
	if err := ew.finish(); err != nil {
		return nil, fmt.Errorf("finishing encryption: %w", err)
	}

	return &EncryptedContent{
		file:          spool,
		Hash:          proto.ContentHash(hw.h.Sum(nil)),
		OriginalSize:  uint64(originalSize),
		EncryptedSize: hw.n,
	}, nil
}

// DecryptResult reports what a DecryptContent call observed. Callers compare
// Hash and OriginalSize against the entry metadata.
type DecryptResult struct {
	Hash          proto.ContentHash
	EncryptedSize int64
	OriginalSize  uint64
}

// DecryptContent reads the encrypted content format from r, verifies each
// chunk, inflates and writes the plaintext to dst. The returned Hash covers
// the consumed ciphertext bytes including framing.
func (c *Cipher) DecryptContent(dst io.Writer, r io.Reader) (DecryptResult, error) {
	hr := &hashingReader{h: sha256.New(), r: r}
	fr := &decryptingReader{in: hr, cipher: c}
	zr := flate.NewReader(fr)

	originalSize, err := io.Copy(dst, zr)
	if err != nil {
		return DecryptResult{}, fmt.Errorf("decrypting content: %w", err)
	}
	if err := zr.Close(); err != nil {
		return DecryptResult{}, fmt.Errorf("closing inflater: %w", err)
	}
	// The compressed stream may end before the frame terminator is consumed.
	if err := fr.drain(); err != nil {
		return DecryptResult{}, err
	}

	return DecryptResult{
		Hash:          proto.ContentHash(hr.h.Sum(nil)),
		EncryptedSize: hr.n,
		OriginalSize:  uint64(originalSize),
	}, nil
}

type hashingWriter struct {
	h hash.Hash
	w io.Writer
	n int64
}

func (w *hashingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

type hashingReader struct {
	h hash.Hash
	r io.Reader
	n int64
}

func (r *hashingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
		r.n += int64(n)
	}
	return n, err
}

// encryptingWriter accumulates compressed plaintext and emits one encrypted
// frame per ChunkSize bytes. finish flushes the remainder and writes the
// terminator frame.
type encryptingWriter struct {
	buf    []byte
	out    io.Writer
	cipher *Cipher
	index  uint64
}

func (w *encryptingWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= ChunkSize {
		if err := w.writeChunk(ChunkSize); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *encryptingWriter) writeChunk(n int) error {
	aead := w.cipher.content
	frame := make([]byte, aead.NonceSize(), aead.NonceSize()+n+aead.Overhead())
	copy(frame, w.cipher.chunkNonce(w.index, w.buf[:n]))
	w.index++
	frame = aead.Seal(frame, frame[:aead.NonceSize()], w.buf[:n], nil)
	if err := proto.WriteFrame(w.out, frame); err != nil {
		return err
	}
	w.buf = w.buf[:copy(w.buf, w.buf[n:])]
	return nil
}

// chunkNonce derives the deterministic nonce for one chunk.
func (c *Cipher) chunkNonce(index uint64, chunk []byte) []byte {
	mac := hmac.New(sha256.New, c.nonceKey)
	var indexBuf [8]byte
	binary.LittleEndian.PutUint64(indexBuf[:], index)
	mac.Write(indexBuf[:])
	mac.Write(chunk)
	return mac.Sum(nil)[:c.content.NonceSize()]
}

func (w *encryptingWriter) finish() error {
	if len(w.buf) > 0 {
		if err := w.writeChunk(len(w.buf)); err != nil {
			return err
		}
	}
	return proto.WriteTerminator(w.out)
}

// decryptingReader reads frames, authenticates and decrypts them, and serves
// the concatenated compressed plaintext.
type decryptingReader struct {
	in     io.Reader
	cipher *Cipher
	plain  []byte
	done   bool
}

func (r *decryptingReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *decryptingReader) readChunk() error {
	frame, err := proto.ReadFrame(r.in)
	if err != nil {
		return err
	}
	if frame == nil {
		r.done = true
		return nil
	}
	aead := r.cipher.content
	if len(frame) < aead.NonceSize()+aead.Overhead() {
		return fmt.Errorf("%w: short content chunk", ErrDecrypt)
	}
	plain, err := aead.Open(nil, frame[:aead.NonceSize()], frame[aead.NonceSize():], nil)
	if err != nil {
		return fmt.Errorf("%w: content chunk authentication error", ErrDecrypt)
	}
	r.plain = plain
	return nil
}

// drain consumes frames until the terminator. The inflater can reach the end
// of the compressed stream without pulling the final frames.
func (r *decryptingReader) drain() error {
	if len(r.plain) != 0 {
		return fmt.Errorf("%w: trailing data after compressed stream", ErrDecrypt)
	}
	for !r.done {
		if err := r.readChunk(); err != nil {
			return err
		}
		if len(r.plain) != 0 {
			return fmt.Errorf("%w: trailing data after compressed stream", ErrDecrypt)
		}
	}
	return nil
}
