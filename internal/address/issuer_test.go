package address

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = "0123456789abcdef0123456789abcdef"

func TestIssueIsDeterministic(t *testing.T) {
	iss, err := NewIssuer(testSeed)
	require.NoError(t, err)
	id := uuid.New()

	a, err := iss.Issue(id, "TRC20")
	require.NoError(t, err)
	b, err := iss.Issue(id, "trc20")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := iss.Issue(uuid.New(), "TRC20")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestIssueTronFormat(t *testing.T) {
	iss, err := NewIssuer(testSeed)
	require.NoError(t, err)

	addr, err := iss.Issue(uuid.New(), "TRC20")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "T"))
	assert.Len(t, addr, 34)
	assert.True(t, Valid(addr, "TRC20"))

	tampered := addr[:33] + "2"
	if addr[33] == '2' {
		tampered = addr[:33] + "3"
	}
	assert.False(t, Valid(tampered, "TRC20"))
}

func TestIssueEVMChecksum(t *testing.T) {
	iss, err := NewIssuer(testSeed)
	require.NoError(t, err)

	addr, err := iss.Issue(uuid.New(), "ERC20")
	require.NoError(t, err)
	assert.Len(t, addr, 42)
	assert.True(t, Valid(addr, "ERC20"))

	// Known EIP-55 vector.
	body, err := hex.DecodeString("5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", checksumHex(body))
}

func TestNetworksDeriveDifferentAddresses(t *testing.T) {
	iss, err := NewIssuer(testSeed)
	require.NoError(t, err)
	id := uuid.New()

	erc, err := iss.Issue(id, "ERC20")
	require.NoError(t, err)
	bep, err := iss.Issue(id, "BEP20")
	require.NoError(t, err)
	assert.NotEqual(t, erc, bep)
}

func TestIssueRejectsUnknownNetwork(t *testing.T) {
	iss, err := NewIssuer(testSeed)
	require.NoError(t, err)

	_, err = iss.Issue(uuid.New(), "DOGE")
	assert.Error(t, err)
	assert.False(t, Supported("DOGE"))
	assert.True(t, Supported("bep20"))
}

func TestNewIssuerRequiresLongSeed(t *testing.T) {
	_, err := NewIssuer("short")
	assert.Error(t, err)
}
