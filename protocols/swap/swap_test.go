package swap_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidswap/voidswap/protocols/swap"
)

func validParams() swap.HandshakeParams {
	return swap.HandshakeParams{
		Version:      swap.Version,
		ChainID:      1,
		DrandChainID: "fastnet",
		ValueA:       "1000000000000000000",
		ValueB:       "2000000000000000000",
		TargetA:      "0x1234567890123456789012345678901234567890",
		TargetB:      "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
		RefundRoundB: 1000,
		RefundRoundA: 2000,
	}
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, validParams().Validate())

	p := validParams()
	p.Version = "voidswap-v2"
	assert.Error(t, p.Validate())

	p = validParams()
	p.ChainID = 0
	assert.Error(t, p.Validate())

	p = validParams()
	p.ValueA = "-1"
	assert.Error(t, p.Validate())

	p = validParams()
	p.TargetA = strings.ToUpper(p.TargetA)
	assert.Error(t, p.Validate())
}

func TestValidateRefundOrder(t *testing.T) {
	require.NoError(t, swap.ValidateRefundOrder(validParams()))

	p := validParams()
	p.RefundRoundB = 2000
	assert.Error(t, swap.ValidateRefundOrder(p))

	p.RefundRoundB = 2001
	assert.Error(t, swap.ValidateRefundOrder(p))
}

func TestSessionIDDeterministicAndOrderSensitive(t *testing.T) {
	nonceA := "0x" + strings.Repeat("a", 64)
	nonceB := "0x" + strings.Repeat("b", 64)

	sid1, err := swap.SessionID(validParams(), nonceA, nonceB)
	require.NoError(t, err)
	sid2, err := swap.SessionID(validParams(), nonceA, nonceB)
	require.NoError(t, err)
	assert.Equal(t, sid1, sid2)

	swapped, err := swap.SessionID(validParams(), nonceB, nonceA)
	require.NoError(t, err)
	assert.NotEqual(t, sid1, swapped)

	tampered := validParams()
	tampered.ValueA = "999999999999999999"
	other, err := swap.SessionID(tampered, nonceA, nonceB)
	require.NoError(t, err)
	assert.NotEqual(t, sid1, other)
}

func TestNonceLengthBoundary(t *testing.T) {
	_, err := swap.SessionID(validParams(), "0x"+strings.Repeat("a", 62), "0x"+strings.Repeat("b", 64))
	assert.Error(t, err, "31-byte nonce must be rejected")
	_, err = swap.SessionID(validParams(), "0x"+strings.Repeat("a", 66), "0x"+strings.Repeat("b", 64))
	assert.Error(t, err, "33-byte nonce must be rejected")
}

func TestHexValidators(t *testing.T) {
	assert.True(t, swap.IsHex32("0x"+strings.Repeat("ab", 32)))
	assert.False(t, swap.IsHex32(strings.Repeat("ab", 32)))
	assert.False(t, swap.IsHex32("0x"+strings.Repeat("AB", 32)))
	assert.True(t, swap.IsBareHex32(strings.Repeat("ab", 32)))
	assert.True(t, swap.IsAddress("0x"+strings.Repeat("cd", 20)))
	assert.False(t, swap.IsAddress("0x"+strings.Repeat("cd", 19)))
	assert.True(t, swap.IsHex64("0x"+strings.Repeat("ef", 64)))

	v, err := swap.ParseHex32("0x" + strings.Repeat("11", 32))
	require.NoError(t, err)
	assert.Equal(t, "0x"+strings.Repeat("11", 32), swap.Hex32(v))
}

func TestParseWei(t *testing.T) {
	v, err := swap.ParseWei("0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Int64())

	_, err = swap.ParseWei("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err, "values up to the chain maximum are accepted")

	for _, bad := range []string{"", "-1", "+1", "1.5", "1e9", "0x10", " 1"} {
		_, err := swap.ParseWei(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestWeiCovers(t *testing.T) {
	ok, err := swap.WeiCovers("1000000000000000000", "1000000000000000000")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = swap.WeiCovers("1000000000000000001", "1000000000000000000")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = swap.WeiCovers("999999999999999999", "1000000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{"type":"hello","from":"alice","seq":1,"payload":{}}`)
	env, err := swap.ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, swap.TypeHello, env.Type)
	assert.Equal(t, swap.RoleAlice, env.From)

	_, err = swap.ParseEnvelope([]byte(`{"type":"nope","from":"alice","seq":1,"payload":{}}`))
	assert.Error(t, err)

	_, err = swap.ParseEnvelope([]byte(`{"type":"hello","from":"carol","seq":1,"payload":{}}`))
	assert.Error(t, err)

	_, err = swap.ParseEnvelope([]byte(`{"type":"hello","from":"alice","seq":1,"payload":{},"extra":1}`))
	assert.Error(t, err)

	_, err = swap.ParseEnvelope([]byte(`{"type":"hello","from":"alice","seq":1}`))
	assert.Error(t, err, "missing payload must be rejected")

	_, err = swap.ParseEnvelope([]byte(`{"type":"hello","from":"alice","seq":1,"sid":"XYZ","payload":{}}`))
	assert.Error(t, err)
}

func TestParseEnvelopeSizeCeiling(t *testing.T) {
	big := `{"type":"hello","from":"alice","seq":1,"payload":{"pad":"` +
		strings.Repeat("a", swap.MaxMessageSize) + `"}}`
	_, err := swap.ParseEnvelope([]byte(big))
	assert.Error(t, err)
}

func TestRoleAndLegHelpers(t *testing.T) {
	assert.Equal(t, swap.RoleBob, swap.RoleAlice.Other())
	assert.Equal(t, swap.RoleAlice, swap.RoleBob.Other())
	assert.Equal(t, swap.LegA, swap.LegOf(swap.RoleAlice))
	assert.Equal(t, swap.LegB, swap.LegOf(swap.RoleBob))
	assert.Equal(t, swap.CapsuleRefundA, swap.CapsuleRoleOf(swap.RoleAlice))
	assert.Equal(t, swap.CapsuleRefundB, swap.CapsuleRoleOf(swap.RoleBob))
	assert.False(t, swap.Role("carol").Valid())
	assert.False(t, swap.Leg("C").Valid())
}
