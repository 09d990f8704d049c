package ctrlmsg_test

import (
	"testing"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/ctrlmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllVariants(t *testing.T) {
	t.Parallel()

	msgs := []ctrlmsg.Message{
		ctrlmsg.NewRequest(1, 0x01, "1.2.3.4", 80),
		ctrlmsg.NewResponse(1, true, ""),
		ctrlmsg.NewResponse(1, false, ctrlmsg.ReasonNegativeBalance),
		ctrlmsg.NewCharge("nano", "nano_1abc", "0.01", "0.01"),
		ctrlmsg.NewSignature("nano_1abc", "123-message-to-sign", "deadbeef"),
		ctrlmsg.NewBalance("100", "200", "100", "5", "1024"),
	}

	for _, m := range msgs {
		data, err := ctrlmsg.Encode(m)
		require.NoError(t, err)

		got, err := ctrlmsg.Decode(data)
		require.NoError(t, err)

		// padding is explicitly ignored on decode, everything else must match.
		got.Padding = m.Padding
		assert.Equal(t, m, got)
	}
}

func TestPaddingIsIgnoredOnDecode(t *testing.T) {
	m := ctrlmsg.NewResponse(1, true, "")
	m.Padding = "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	data, err := ctrlmsg.Encode(m)
	require.NoError(t, err)

	got, err := ctrlmsg.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m.Padding, got.Padding) // round-trips, but decode does not require it
}

func TestDecodeRejectsMissingVariantFields(t *testing.T) {
	t.Parallel()

	_, err := ctrlmsg.Decode([]byte(`{"msg_type":"request","stream_id":1}`))
	assert.Error(t, err)

	_, err = ctrlmsg.Decode([]byte(`{"msg_type":"cryptocoin","coin":"nano"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsNonDecimalPricing(t *testing.T) {
	_, err := ctrlmsg.Decode([]byte(`{
		"msg_type":"cryptocoin",
		"coin":"nano",
		"server_account":"nano_1abc",
		"price_kilo_requests":"not-a-number",
		"price_gigabytes":"0.01"
	}`))
	assert.Error(t, err)
}

func TestDecodeAcceptsFractionalPricing(t *testing.T) {
	_, err := ctrlmsg.Decode([]byte(`{
		"msg_type":"cryptocoin",
		"coin":"nano",
		"server_account":"nano_1abc",
		"price_kilo_requests":"0.01",
		"price_gigabytes":"0.01"
	}`))
	assert.NoError(t, err)
}

func TestDecodeRejectsUnknownMsgType(t *testing.T) {
	_, err := ctrlmsg.Decode([]byte(`{"msg_type":"bogus","stream_id":1}`))
	assert.Error(t, err)
}
