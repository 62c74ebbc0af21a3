// Package address derives deposit addresses for positions. Derivation is
// deterministic: the same seed, position and network always yield the same
// address, so a replayed assignment never produces a second address.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const tronPrefix = 0x41

type format int

const (
	formatEVM format = iota + 1
	formatTron
)

var networks = map[string]format{
	"ERC20":    formatEVM,
	"BEP20":    formatEVM,
	"POLYGON":  formatEVM,
	"ARBITRUM": formatEVM,
	"TRC20":    formatTron,
}

// Supported reports whether addresses can be issued on network.
func Supported(network string) bool {
	_, ok := networks[strings.ToUpper(network)]
	return ok
}

// Issuer derives addresses from a master seed.
type Issuer struct {
	seed []byte
}

func NewIssuer(masterSeed string) (*Issuer, error) {
	if len(masterSeed) < 32 {
		return nil, fmt.Errorf("address master seed must be at least 32 bytes")
	}
	return &Issuer{seed: []byte(masterSeed)}, nil
}

// Issue returns the deposit address for positionID on network.
func (i *Issuer) Issue(positionID uuid.UUID, network string) (string, error) {
	network = strings.ToUpper(network)
	f, ok := networks[network]
	if !ok {
		return "", fmt.Errorf("unsupported network %q", network)
	}

	body := make([]byte, 20)
	r := hkdf.New(sha256.New, i.seed, positionID[:], []byte("deposit-address:"+network))
	if _, err := io.ReadFull(r, body); err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}

	switch f {
	case formatTron:
		return tronAddress(body), nil
	default:
		return checksumHex(body), nil
	}
}

// checksumHex renders an EIP-55 mixed-case address.
func checksumHex(body []byte) string {
	lower := hex.EncodeToString(body)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := make([]byte, len(lower))
	for idx := 0; idx < len(lower); idx++ {
		c := lower[idx]
		nibble := digest[idx/2]
		if idx%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if c >= 'a' && c <= 'f' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out[idx] = c
	}
	return "0x" + string(out)
}

// tronAddress renders a base58check address with the mainnet prefix.
func tronAddress(body []byte) string {
	payload := append([]byte{tronPrefix}, body...)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(payload, second[:4]...))
}

// Valid reports whether addr is well formed for network. EVM addresses must
// carry a correct checksum when mixed case.
func Valid(addr, network string) bool {
	switch networks[strings.ToUpper(network)] {
	case formatEVM:
		if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
			return false
		}
		body, err := hex.DecodeString(addr[2:])
		if err != nil {
			return false
		}
		hexPart := addr[2:]
		if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
			return true
		}
		return checksumHex(body) == addr
	case formatTron:
		raw, err := base58.Decode(addr)
		if err != nil || len(raw) != 25 || raw[0] != tronPrefix {
			return false
		}
		first := sha256.Sum256(raw[:21])
		second := sha256.Sum256(first[:])
		return string(second[:4]) == string(raw[21:])
	default:
		return false
	}
}
