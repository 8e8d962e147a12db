// Package codec implements the two byte-level transforms of the wire
// protocol: the obscure transform (zlib + url-safe base64) used for
// pre-authentication traffic and stored password tokens, and the
// password-based authenticated encryption (Fernet construction keyed
// by PBKDF2) used for encrypted sessions.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"
	"time"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/pbkdf2"

	"github.com/axonops/axonops-docstore/internal/dberr"
)

// DefaultIterations is the PBKDF2 iteration count used when encrypting.
// Decryption honors whatever count the frame carries.
const DefaultIterations = 100_000

const (
	saltSize      = 16
	fernetVersion = 0x80
	// version(1) + timestamp(8) + IV(16) + one AES block(16) + HMAC(32)
	minTokenSize = 1 + 8 + aes.BlockSize + aes.BlockSize + sha256.Size
)

// Obscure compresses data with zlib at the highest level and encodes
// it with url-safe base64. It is compact, not confidential.
func Obscure(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, base64.URLEncoding.EncodedLen(buf.Len()))
	base64.URLEncoding.Encode(out, buf.Bytes())
	return out, nil
}

// Unobscure reverses Obscure.
func Unobscure(obscured []byte) ([]byte, error) {
	raw := make([]byte, base64.URLEncoding.DecodedLen(len(obscured)))
	n, err := base64.URLEncoding.Decode(raw, obscured)
	if err != nil {
		return nil, dberr.New(dberr.KindAuthIntegrity, "invalid base64 payload: %v", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw[:n]))
	if err != nil {
		return nil, dberr.New(dberr.KindAuthIntegrity, "corrupted compressed payload: %v", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, dberr.New(dberr.KindAuthIntegrity, "corrupted compressed payload: %v", err)
	}
	return out, nil
}

// deriveKey stretches a password into the 32-byte Fernet key. The
// first half signs, the second half encrypts.
func deriveKey(password []byte, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, 32, sha256.New)
}

// PasswordEncrypt encrypts message under a password-derived key. The
// result is b64url(salt || iterations(4, big-endian) || token) where
// token is a Fernet token: version, timestamp, IV, AES-128-CBC
// ciphertext, HMAC-SHA256 tag.
func PasswordEncrypt(message []byte, password string) ([]byte, error) {
	return passwordEncrypt(message, password, DefaultIterations)
}

func passwordEncrypt(message []byte, password string, iterations int) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	key := deriveKey([]byte(password), salt, iterations)

	block, err := aes.NewCipher(key[16:])
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(message, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	token := make([]byte, 0, minTokenSize+len(ciphertext)-aes.BlockSize)
	token = append(token, fernetVersion)
	token = binary.BigEndian.AppendUint64(token, uint64(time.Now().Unix()))
	token = append(token, iv...)
	token = append(token, ciphertext...)
	mac := hmac.New(sha256.New, key[:16])
	mac.Write(token)
	token = mac.Sum(token)

	frame := make([]byte, 0, saltSize+4+len(token))
	frame = append(frame, salt...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(iterations))
	frame = append(frame, token...)

	out := make([]byte, base64.URLEncoding.EncodedLen(len(frame)))
	base64.URLEncoding.Encode(out, frame)
	return out, nil
}

// PasswordDecrypt reverses PasswordEncrypt. Any framing, MAC, or
// padding failure yields an AuthIntegrityError.
func PasswordDecrypt(data []byte, password string) ([]byte, error) {
	frame := make([]byte, base64.URLEncoding.DecodedLen(len(data)))
	n, err := base64.URLEncoding.Decode(frame, data)
	if err != nil {
		return nil, dberr.New(dberr.KindAuthIntegrity, "invalid base64 token: %v", err)
	}
	frame = frame[:n]
	if len(frame) < saltSize+4+minTokenSize {
		return nil, dberr.New(dberr.KindAuthIntegrity, "token too short")
	}
	salt := frame[:saltSize]
	iterations := int(binary.BigEndian.Uint32(frame[saltSize : saltSize+4]))
	token := frame[saltSize+4:]
	if iterations <= 0 {
		return nil, dberr.New(dberr.KindAuthIntegrity, "invalid iteration count")
	}
	key := deriveKey([]byte(password), salt, iterations)

	if token[0] != fernetVersion {
		return nil, dberr.New(dberr.KindAuthIntegrity, "unknown token version %#x", token[0])
	}
	body, tag := token[:len(token)-sha256.Size], token[len(token)-sha256.Size:]
	mac := hmac.New(sha256.New, key[:16])
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, dberr.New(dberr.KindAuthIntegrity, "signature mismatch")
	}

	ciphertext := body[1+8+aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, dberr.New(dberr.KindAuthIntegrity, "truncated ciphertext")
	}
	iv := body[1+8 : 1+8+aes.BlockSize]
	block, err := aes.NewCipher(key[16:])
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, dberr.New(dberr.KindAuthIntegrity, "empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, dberr.New(dberr.KindAuthIntegrity, "invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, dberr.New(dberr.KindAuthIntegrity, "invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
