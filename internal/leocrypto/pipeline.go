package leocrypto

import "io"

// Pipeline composes the optional compression and encryption stages
// described in spec §4.2: "caller bytes → optional compression → optional
// streaming authenticated encryption → backend writer" on write, and the
// inverse order on read. Either stage may be nil, in which case it is the
// identity transform. With both nil, WrapWriter and WrapReader pass bytes
// through unchanged; Secure Store relies on this and wraps every read and
// write, even when it has no Compressor or Encryptor configured.
type Pipeline struct {
	Compressor Compressor
	Encryptor  Encryptor
}

type multiCloser struct {
	io.Writer
	closers []io.Closer
}

// Close closes in the order given: compression writer first (flush the
// codec), then the encryption writer (emit the end-of-stream chunk).
func (m *multiCloser) Close() error {
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

// WrapWriter returns a WriteCloser such that writes made to it land on dst
// after compression and encryption are applied, innermost-first: dst is
// wrapped by the encryptor, which is wrapped by the compressor, so the
// caller's first Write call compresses then encrypts then reaches dst.
func (p Pipeline) WrapWriter(dst io.Writer) (io.WriteCloser, error) {
	var closers []io.Closer
	w := dst
	if p.Encryptor != nil {
		ew, err := p.Encryptor.Encrypt(w)
		if err != nil {
			return nil, err
		}
		closers = append(closers, ew)
		w = ew
	}
	if p.Compressor != nil {
		cw, err := p.Compressor.NewWriter(w)
		if err != nil {
			return nil, err
		}
		closers = append([]io.Closer{cw}, closers...)
		w = cw
	}
	if len(closers) == 0 {
		return nopWriteCloser{w}, nil
	}
	return &multiCloser{Writer: w, closers: closers}, nil
}

// WrapReader returns a ReadCloser such that reads from it yield the original
// plaintext: src is decrypted, then the decrypted stream is decompressed.
func (p Pipeline) WrapReader(src io.Reader) (io.ReadCloser, error) {
	r := src
	var closers []io.Closer
	if p.Encryptor != nil {
		dr, err := p.Encryptor.Decrypt(r)
		if err != nil {
			return nil, err
		}
		closers = append(closers, dr)
		r = dr
	}
	if p.Compressor != nil {
		cr, err := p.Compressor.NewReader(r)
		if err != nil {
			return nil, err
		}
		closers = append(closers, cr)
		r = cr
	}
	return &multiReadCloser{Reader: r, closers: closers}, nil
}

type multiReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
