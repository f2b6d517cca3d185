package carvekit

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"

	"golang.org/x/crypto/hkdf"
)

// Sealed stream layout:
//
//	magic "CKS1" | salt (16) | chunk...
//
// Each chunk is at most sealChunkSize bytes of plaintext sealed with
// AES-256-GCM under a key derived from the master key and the salt. The
// nonce is the chunk counter, with the last byte set on the final chunk,
// so truncated or reordered streams fail to open.
const (
	sealMagic     = "CKS1"
	sealSaltSize  = 16
	sealChunkSize = 64 * 1024
	sealKeySize   = 32
)

// ErrSealKey is returned for a key that is not 32 bytes.
var ErrSealKey = errors.New("seal key must be 32 bytes")

// ParseSealKey decodes a hex encoded 256-bit key.
func ParseSealKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding seal key: %w", err)
	}
	if len(key) != sealKeySize {
		return nil, ErrSealKey
	}
	return key, nil
}

func sealAEAD(key, salt []byte) (cipher.AEAD, error) {
	fileKey := make([]byte, sealKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, []byte("carvekit seal v1")), fileKey); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sealNonce(nonce []byte, counter uint64, final bool) {
	clear(nonce)
	binary.BigEndian.PutUint64(nonce, counter)
	if final {
		nonce[len(nonce)-1] = 1
	}
}

// Seal encrypts src into dst.
func Seal(dst io.Writer, src io.Reader, key []byte) error {
	if len(key) != sealKeySize {
		return ErrSealKey
	}
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aead, err := sealAEAD(key, salt)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(dst, sealMagic); err != nil {
		return err
	}
	if _, err := dst.Write(salt); err != nil {
		return err
	}

	br := bufio.NewReaderSize(src, sealChunkSize)
	plain := make([]byte, sealChunkSize)
	out := make([]byte, 0, sealChunkSize+aead.Overhead())
	nonce := make([]byte, aead.NonceSize())
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(br, plain)
		final := false
		switch {
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		case err != nil:
			return err
		default:
			if _, err := br.Peek(1); errors.Is(err, io.EOF) {
				final = true
			} else if err != nil {
				return err
			}
		}

		sealNonce(nonce, counter, final)
		out = aead.Seal(out[:0], nonce, plain[:n], nil)
		if _, err := dst.Write(out); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// Unseal decrypts a stream written by Seal into dst. Plaintext of a chunk
// is only written once the chunk authenticates.
func Unseal(dst io.Writer, src io.Reader, key []byte) error {
	if len(key) != sealKeySize {
		return ErrSealKey
	}
	head := make([]byte, len(sealMagic)+sealSaltSize)
	if _, err := io.ReadFull(src, head); err != nil {
		return fmt.Errorf("reading seal header: %w", err)
	}
	if string(head[:len(sealMagic)]) != sealMagic {
		return errors.New("not a sealed stream")
	}
	aead, err := sealAEAD(key, head[len(sealMagic):])
	if err != nil {
		return err
	}

	br := bufio.NewReaderSize(src, sealChunkSize+aead.Overhead())
	sealed := make([]byte, sealChunkSize+aead.Overhead())
	plain := make([]byte, 0, sealChunkSize)
	nonce := make([]byte, aead.NonceSize())
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(br, sealed)
		final := false
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("sealed stream truncated")
		case errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		case err != nil:
			return err
		default:
			if _, err := br.Peek(1); errors.Is(err, io.EOF) {
				final = true
			} else if err != nil {
				return err
			}
		}

		sealNonce(nonce, counter, final)
		plain, err = aead.Open(plain[:0], nonce, sealed[:n], nil)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", counter, err)
		}
		if _, err := dst.Write(plain); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// SealedWriter encrypts every file written through it with Seal. Paths and
// metadata stay readable on the wrapped writer.
type SealedWriter struct {
	w   FileWriter
	key []byte
}

// NewSealedWriter wraps w. key must be 32 bytes.
func NewSealedWriter(w FileWriter, key []byte) (*SealedWriter, error) {
	if len(key) != sealKeySize {
		return nil, ErrSealKey
	}
	return &SealedWriter{w: w, key: key}, nil
}

// Unwrap returns the wrapped writer.
func (s *SealedWriter) Unwrap() FileWriter { return s.w }

// Write seals r on the fly and writes the result to path. The original
// content type is kept in the "sealed-content-type" metadata entry.
func (s *SealedWriter) Write(ctx context.Context, path string, r io.Reader, opts ...Option) error {
	o := ApplyOptions(opts...)
	metadata := make(map[string]string, len(o.Metadata)+2)
	maps.Copy(metadata, o.Metadata)
	metadata["sealed"] = "aes-256-gcm"
	if o.ContentType != "" {
		metadata["sealed-content-type"] = o.ContentType
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(Seal(pw, r, s.key))
	}()
	err := s.w.Write(ctx, path, pr,
		WithContentType(octetStream),
		WithMetadata(metadata),
		WithOverwrite(o.Overwrite),
	)
	// Unblock the sealing goroutine when the driver stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	return err
}

// Delete implements FileWriter by removing path from the wrapped writer.
func (s *SealedWriter) Delete(ctx context.Context, path string) error {
	return s.w.Delete(ctx, path)
}

// CreateDir implements FileWriter. Directories are not sealed.
func (s *SealedWriter) CreateDir(ctx context.Context, path string) error {
	return s.w.CreateDir(ctx, path)
}

// DeleteDir implements FileWriter by removing path and its contents from
// the wrapped writer.
func (s *SealedWriter) DeleteDir(ctx context.Context, path string) error {
	return s.w.DeleteDir(ctx, path)
}

// Close closes the wrapped writer when it holds resources.
func (s *SealedWriter) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var (
	_ FileWriter = (*SealedWriter)(nil)
	_ io.Closer  = (*SealedWriter)(nil)
)
