// Package keys handles extended public keys: format normalisation, encryption at rest,
// receive address derivation and display fingerprints. It never handles private keys.
package keys

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidExtendedKey is returned for anything that is not a public BIP32 key for the network.
	ErrInvalidExtendedKey = errors.New("invalid extended public key")
	// ErrKeyDecryptionFailed is returned when a stored ciphertext cannot be authenticated.
	ErrKeyDecryptionFailed = errors.New("extended key decryption failed")
	// ErrInvalidDerivationIndex is returned for hardened indices, which cannot be derived from a public key.
	ErrInvalidDerivationIndex = errors.New("invalid derivation index")
)

const (
	serializedKeyLen = 78
	receiveChain     = 0
	encryptionInfo   = "cryptopay xpub at rest v1"
)

var additionalData = []byte("xpub")

// Version bytes of SLIP-132 public key encodings, grouped by network family.
var (
	mainnetPublicVersions = map[uint32]string{
		0x0488b21e: "xpub",
		0x049d7cb2: "ypub",
		0x04b24746: "zpub",
		0x0295b43f: "Ypub",
		0x02aa7ed3: "Zpub",
	}
	testnetPublicVersions = map[uint32]string{
		0x043587cf: "tpub",
		0x044a5262: "upub",
		0x045f1cf6: "vpub",
		0x024289ef: "Upub",
		0x02575483: "Vpub",
	}
	privateVersions = map[uint32]string{
		0x0488ade4: "xprv",
		0x049d7878: "yprv",
		0x04b2430c: "zprv",
		0x04358394: "tprv",
		0x044a4e28: "uprv",
		0x045f18bc: "vprv",
	}
)

// Manager normalises, encrypts and derives from extended public keys for one network.
type Manager struct {
	aead   cipher.AEAD
	params *chaincfg.Params
}

// NewManager derives the at-rest encryption key from masterKey and binds the manager to network
// ("mainnet", "testnet", "regtest" or "signet").
func NewManager(masterKey, network string) (*Manager, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, errors.New("master key is empty")
	}
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, []byte(encryptionInfo)), key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Manager{aead: aead, params: params}, nil
}

// NetworkParams maps a network name to chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet", "main", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

// Params exposes the chain parameters the manager derives for.
func (m *Manager) Params() *chaincfg.Params {
	return m.params
}

// Normalize accepts any SLIP-132 public encoding of the manager's network (optionally with a
// BTCPay derivation-scheme suffix such as "-[p2sh]") and returns the canonical xpub/tpub form.
func (m *Manager) Normalize(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if idx := strings.Index(candidate, "-["); idx > 0 {
		candidate = candidate[:idx]
	}
	if candidate == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidExtendedKey)
	}

	decoded := base58.Decode(candidate)
	if len(decoded) != serializedKeyLen+4 {
		return "", fmt.Errorf("%w: bad length", ErrInvalidExtendedKey)
	}
	payload, checksum := decoded[:serializedKeyLen], decoded[serializedKeyLen:]
	if !bytes.Equal(chainhash.DoubleHashB(payload)[:4], checksum) {
		return "", fmt.Errorf("%w: bad checksum", ErrInvalidExtendedKey)
	}

	version := binary.BigEndian.Uint32(payload[:4])
	if prefix, ok := privateVersions[version]; ok {
		return "", fmt.Errorf("%w: %s is a private key", ErrInvalidExtendedKey, prefix)
	}
	family := mainnetPublicVersions
	if m.params.Net != chaincfg.MainNetParams.Net {
		family = testnetPublicVersions
	}
	if _, ok := family[version]; !ok {
		return "", fmt.Errorf("%w: unsupported version %08x for %s", ErrInvalidExtendedKey, version, m.params.Name)
	}

	canonical := make([]byte, 0, serializedKeyLen+4)
	canonical = append(canonical, m.params.HDPublicKeyID[:]...)
	canonical = append(canonical, payload[4:]...)
	canonical = append(canonical, chainhash.DoubleHashB(canonical)[:4]...)
	encoded := base58.Encode(canonical)

	key, err := hdkeychain.NewKeyFromString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	if key.IsPrivate() {
		return "", fmt.Errorf("%w: private key material", ErrInvalidExtendedKey)
	}
	return encoded, nil
}

// Encrypt seals an xpub for storage. The output is base64(nonce || ciphertext).
func (m *Manager) Encrypt(xpub string) (string, error) {
	nonce := make([]byte, m.aead.NonceSize(), m.aead.NonceSize()+len(xpub)+m.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(xpub), additionalData)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Tampered or foreign ciphertexts fail with
// ErrKeyDecryptionFailed.
func (m *Manager) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyDecryptionFailed, err)
	}
	if len(raw) < m.aead.NonceSize()+m.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrKeyDecryptionFailed)
	}
	nonce, sealed := raw[:m.aead.NonceSize()], raw[m.aead.NonceSize():]
	plain, err := m.aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyDecryptionFailed, err)
	}
	return string(plain), nil
}

// DeriveReceiveAddress returns the native segwit address at m/0/index below xpub.
func (m *Manager) DeriveReceiveAddress(xpub string, index uint32) (string, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("%w: %d is hardened", ErrInvalidDerivationIndex, index)
	}
	key, err := m.parse(xpub)
	if err != nil {
		return "", err
	}
	pub, err := receivePubKey(key, index)
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), m.params)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// Fingerprint returns the 4-byte key identifier of xpub as hex. Display only.
func (m *Manager) Fingerprint(xpub string) (string, error) {
	key, err := m.parse(xpub)
	if err != nil {
		return "", err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	return hex.EncodeToString(btcutil.Hash160(pub.SerializeCompressed())[:4]), nil
}

// receivePubKey walks m/0/index below key.
func receivePubKey(key *hdkeychain.ExtendedKey, index uint32) (*btcec.PublicKey, error) {
	chain, err := key.Derive(receiveChain)
	if err != nil {
		return nil, fmt.Errorf("derive receive chain: %w", err)
	}
	child, err := chain.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("child public key: %w", err)
	}
	return pub, nil
}

func (m *Manager) parse(xpub string) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(strings.TrimSpace(xpub))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	if key.IsPrivate() || !key.IsForNet(m.params) {
		return nil, fmt.Errorf("%w: not a %s public key", ErrInvalidExtendedKey, m.params.Name)
	}
	return key, nil
}
