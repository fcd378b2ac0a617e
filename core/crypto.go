package core

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"math/big"
	"os"

	"golang.org/x/crypto/blowfish"
)

// rsaPublicExponent is fixed at 35 for wire compatibility with legacy
// peers. crypto/rsa.GenerateKey always produces E=65537, so key pairs here
// are generated by hand with this exponent instead.
const rsaPublicExponent = 35

// rsaBits is the key size generated on first run.
const rsaBits = 2048

// allOnesIV is the fixed, all-ones initialization vector used for every CBC
// encryption under the session key. This is a known weakness preserved for
// on-wire compatibility with deployed peers; see DESIGN.md.
func allOnesIV(blockSize int) []byte {
	iv := make([]byte, blockSize)
	for i := range iv {
		iv[i] = 0xff
	}
	return iv
}

// GenerateKeyPair produces a new RSA key pair with the fixed legacy public
// exponent. The standard library's rsa.GenerateKey hardcodes E=65537, so
// primes are generated directly here.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	e := big.NewInt(rsaPublicExponent)
	for {
		p, err := rand.Prime(rand.Reader, rsaBits/2)
		if err != nil {
			return nil, Wrap(err, "generate prime p")
		}
		q, err := rand.Prime(rand.Reader, rsaBits/2)
		if err != nil {
			return nil, Wrap(err, "generate prime q")
		}
		if p.Cmp(q) == 0 {
			continue
		}
		pMinus1 := new(big.Int).Sub(p, big.NewInt(1))
		qMinus1 := new(big.Int).Sub(q, big.NewInt(1))
		phi := new(big.Int).Mul(pMinus1, qMinus1)
		if new(big.Int).GCD(nil, nil, e, phi).Cmp(big.NewInt(1)) != 0 {
			// e must be coprime with phi(n); retry with fresh primes.
			continue
		}
		d := new(big.Int).ModInverse(e, phi)
		if d == nil {
			continue
		}
		n := new(big.Int).Mul(p, q)
		priv := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
			D:         d,
			Primes:    []*big.Int{p, q},
		}
		priv.Precompute()
		if priv.Validate() != nil {
			continue
		}
		return priv, nil
	}
}

// SavePrivateKey writes priv PEM-encoded to path with mode 0600. New keys
// are always stored unencrypted.
func SavePrivateKey(path string, priv *rsa.PrivateKey) error {
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return writePEMFile(path, block, 0600)
}

// SavePublicKey writes pub PEM-encoded to path with mode 0600.
func SavePublicKey(path string, pub *rsa.PublicKey) error {
	der := x509.MarshalPKCS1PublicKey(pub)
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}
	return writePEMFile(path, block, 0600)
}

func writePEMFile(path string, block *pem.Block, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return Wrap(err, "open key file")
	}
	defer f.Close()
	return pem.Encode(f, block)
}

// LoadPrivateKey reads a PEM-encoded RSA private key from path. passphrase,
// if non-empty, is used to decrypt legacy passphrase-protected keys for
// backward compatibility only; new keys are never written encrypted.
func LoadPrivateKey(path, passphrase string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(err, "read private key")
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block in private key file")
	}
	der := block.Bytes
	//lint:ignore SA1019 legacy passphrase-protected keys must still load.
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return nil, errors.New("private key is passphrase-protected")
		}
		//lint:ignore SA1019 legacy passphrase-protected keys must still load.
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, Wrap(err, "decrypt legacy private key")
		}
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, Wrap(err, "parse private key")
	}
	return priv, nil
}

// LoadPublicKey reads a PEM-encoded RSA public key from path.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(err, "read public key")
	}
	return ParsePublicKeyPEM(raw)
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key from raw bytes.
func ParsePublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, Wrap(err, "parse public key")
	}
	return pub, nil
}

// EncodePublicKeyPEM renders pub as a PEM block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) []byte {
	der := x509.MarshalPKCS1PublicKey(pub)
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block)
}

// EncodeMPI renders n in big-endian MPI form: a 2-byte bit-length prefix
// followed by the big-endian magnitude, the on-wire encoding the handshake
// uses for the modulus and exponent.
func EncodeMPI(n *big.Int) []byte {
	bits := n.BitLen()
	mag := n.Bytes()
	out := make([]byte, 2+len(mag))
	out[0] = byte(bits >> 8)
	out[1] = byte(bits)
	copy(out[2:], mag)
	return out
}

// mpiEncode is the internal alias used within this package.
func mpiEncode(n *big.Int) []byte { return EncodeMPI(n) }

// DecodeMPI parses the MPI encoding produced by EncodeMPI, returning the
// decoded value and the remaining, unconsumed bytes.
func DecodeMPI(b []byte) (*big.Int, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errors.New("mpi: short input")
	}
	bits := int(b[0])<<8 | int(b[1])
	nBytes := (bits + 7) / 8
	if len(b) < 2+nBytes {
		return nil, nil, errors.New("mpi: truncated magnitude")
	}
	n := new(big.Int).SetBytes(b[2 : 2+nBytes])
	return n, b[2+nBytes:], nil
}

// IdentityDigest computes the peer identity digest: a fixed hash over the
// canonical MPI concatenation of the public modulus and exponent. SHA-256
// is the fixed default.
func IdentityDigest(pub *rsa.PublicKey) string {
	var buf bytes.Buffer
	buf.Write(mpiEncode(pub.N))
	buf.Write(mpiEncode(big.NewInt(int64(pub.E))))
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// sessionKeySize returns the symmetric key length implied by a one-character
// cipher selector: 'c' selects the community Blowfish cipher, anything else
// selects an enterprise AES variant.
func sessionKeySize(cipherSel byte) int {
	if cipherSel == 'c' {
		return 16 // Blowfish-128
	}
	return 32 // AES-256
}

// GenerateSessionKey produces cryptographically random bytes sized for the
// negotiated cipher family.
func GenerateSessionKey(cipherSel byte) ([]byte, error) {
	key := make([]byte, sessionKeySize(cipherSel))
	if _, err := rand.Read(key); err != nil {
		return nil, Wrap(err, "generate session key")
	}
	return key, nil
}

func newBlockCipher(cipherSel byte, key []byte) (cipher.Block, error) {
	if cipherSel == 'c' {
		return blowfish.NewCipher(key)
	}
	return aes.NewCipher(key)
}

// EncryptBuffer CBC-encrypts plaintext under key with the fixed all-ones
// IV. PKCS#7 padding is applied so plaintext of arbitrary length
// round-trips.
func EncryptBuffer(cipherSel byte, key, plaintext []byte) ([]byte, error) {
	block, err := newBlockCipher(cipherSel, key)
	if err != nil {
		return nil, Wrap(err, "init cipher")
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, allOnesIV(block.BlockSize()))
	mode.CryptBlocks(out, padded)
	return out, nil
}

// DecryptBuffer reverses EncryptBuffer.
func DecryptBuffer(cipherSel byte, key, ciphertext []byte) ([]byte, error) {
	block, err := newBlockCipher(cipherSel, key)
	if err != nil {
		return nil, Wrap(err, "init cipher")
	}
	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, errors.New("ciphertext not a multiple of block size")
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, allOnesIV(bs))
	mode.CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty buffer")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// EncryptRSA encrypts plaintext (a challenge or session key) with the
// peer's public key using PKCS#1 v1.5, matching the handshake's use of raw
// RSA encryption for small fixed-size payloads.
func EncryptRSA(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
	if err != nil {
		return nil, Wrap(err, "rsa encrypt")
	}
	return out, nil
}

// DecryptRSA decrypts a buffer encrypted with EncryptRSA.
func DecryptRSA(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, Wrap(err, "rsa decrypt")
	}
	return out, nil
}

// RandomChallenge returns n cryptographically random bytes, used as a
// handshake challenge or counter-challenge.
func RandomChallenge(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, Wrap(err, "generate challenge")
	}
	return b, nil
}

// DigestChallenge returns the SHA-256 digest of a challenge buffer, used in
// steps S2/C4 of the handshake.
func DigestChallenge(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// WriteRandSeed persists n random bytes to path (mode 0644) after key
// generation. The seed is never used as cryptographic entropy; crypto/rand
// always supplies that.
func WriteRandSeed(path string, n int) error {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return Wrap(err, "generate rand seed")
	}
	return os.WriteFile(path, b, 0644)
}
