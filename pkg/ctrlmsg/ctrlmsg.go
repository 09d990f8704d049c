// Package ctrlmsg implements the tagged JSON control-message vocabulary
// that shares the WebSocket with binary mux frames: REQUEST, RESPONSE,
// CHARGE, SIGNATURE and BALANCE. Validation rules are enforced on both
// encode and decode — a violation on either side is a hard error; the
// client and server proxies close the owning session on a decode failure.
package ctrlmsg

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MsgType is the wire value of the "msg_type" tag.
type MsgType string

const (
	MsgTypeRequest   MsgType = "request"
	MsgTypeResponse  MsgType = "response"
	MsgTypeCharge    MsgType = "cryptocoin"
	MsgTypeSignature MsgType = "signature"
	MsgTypeBalance   MsgType = "balance"
)

// Reason strings used verbatim by the server proxy; kept here so the codec
// and the server agree on the exact text.
const (
	ReasonAccountNotVerified = "crypto coin client_account not verified"
	ReasonNegativeBalance    = "negative balance"
)

// Message is the tagged union of all control-message variants. Only the
// fields relevant to MsgType are populated; the rest are left at their zero
// value and omitted from the JSON encoding.
type Message struct {
	MsgType  MsgType `json:"msg_type" validate:"required,oneof=request response cryptocoin signature balance"`
	StreamID uint32  `json:"stream_id"`
	// Padding is never validated on decode; callers may set it to an
	// arbitrary-length string to defeat wire-length traffic analysis.
	Padding string `json:"padding,omitempty"`

	// REQUEST
	AddressType byte   `json:"address_type,omitempty" validate:"required_if=MsgType request"`
	DstAddr     string `json:"dst_addr,omitempty" validate:"required_if=MsgType request"`
	DstPort     uint16 `json:"dst_port,omitempty" validate:"required_if=MsgType request"`

	// RESPONSE
	Result *bool   `json:"result,omitempty" validate:"required_if=MsgType response"`
	Reason *string `json:"reason,omitempty"`

	// CHARGE (wire msg_type "cryptocoin")
	Coin              string `json:"coin,omitempty" validate:"required_if=MsgType cryptocoin"`
	ServerAccount     string `json:"server_account,omitempty" validate:"required_if=MsgType cryptocoin"`
	PriceKiloRequests string `json:"price_kilo_requests,omitempty" validate:"required_if=MsgType cryptocoin,omitempty,decimalstr"`
	PriceGigabytes    string `json:"price_gigabytes,omitempty" validate:"required_if=MsgType cryptocoin,omitempty,decimalstr"`

	// SIGNATURE
	ClientAccount  string `json:"client_account,omitempty" validate:"required_if=MsgType signature"`
	TimestampedMsg string `json:"timestamped_msg,omitempty" validate:"required_if=MsgType signature"`
	Signature      string `json:"signature,omitempty" validate:"required_if=MsgType signature"`

	// BALANCE
	Balance       string `json:"balance,omitempty" validate:"required_if=MsgType balance,omitempty,bigint"`
	TotalPay      string `json:"total_pay,omitempty" validate:"required_if=MsgType balance,omitempty,bigint"`
	TotalSpend    string `json:"total_spend,omitempty" validate:"required_if=MsgType balance,omitempty,bigint"`
	TotalRequests string `json:"total_requests,omitempty" validate:"required_if=MsgType balance,omitempty,bigint"`
	TotalBytes    string `json:"total_bytes,omitempty" validate:"required_if=MsgType balance,omitempty,bigint"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// "raw" values are 128-bit+ integers; validator's built-in numeric
	// tags overflow int64, so they are carried as decimal strings and
	// checked with math/big instead.
	_ = v.RegisterValidation("bigint", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, ok := new(big.Int).SetString(s, 10)
		return ok
	})
	// Pricing fields are positive fiat-unit rationals, not raw integers;
	// validated with the same decimal type that performs the pricing math.
	_ = v.RegisterValidation("decimalstr", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := decimal.NewFromString(s)
		return err == nil
	})
	return v
}

// Encode validates m and serializes it as one JSON control message.
func Encode(m Message) ([]byte, error) {
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("ctrlmsg: invalid message: %w", err)
	}
	return json.Marshal(m)
}

// Decode parses and validates one JSON control message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("ctrlmsg: malformed json: %w", err)
	}
	if err := validate.Struct(m); err != nil {
		return Message{}, fmt.Errorf("ctrlmsg: invalid message: %w", err)
	}
	return m, nil
}

// NewRequest builds a REQUEST message asking the server to open an
// outbound TCP connection on behalf of streamID.
func NewRequest(streamID uint32, addressType byte, dstAddr string, dstPort uint16) Message {
	return Message{
		MsgType:     MsgTypeRequest,
		StreamID:    streamID,
		AddressType: addressType,
		DstAddr:     dstAddr,
		DstPort:     dstPort,
	}
}

// NewResponse builds a RESPONSE message. reason may be empty for success.
func NewResponse(streamID uint32, result bool, reason string) Message {
	msg := Message{
		MsgType:  MsgTypeResponse,
		StreamID: streamID,
		Result:   &result,
	}
	if reason != "" {
		msg.Reason = &reason
	}
	return msg
}

// NewCharge builds a CHARGE message advertising pricing at session start.
func NewCharge(coin, serverAccount, priceKiloRequests, priceGigabytes string) Message {
	return Message{
		MsgType:           MsgTypeCharge,
		Coin:              coin,
		ServerAccount:     serverAccount,
		PriceKiloRequests: priceKiloRequests,
		PriceGigabytes:    priceGigabytes,
	}
}

// NewSignature builds a SIGNATURE message proving ownership of clientAccount.
func NewSignature(clientAccount, timestampedMsg, signature string) Message {
	return Message{
		MsgType:        MsgTypeSignature,
		ClientAccount:  clientAccount,
		TimestampedMsg: timestampedMsg,
		Signature:      signature,
	}
}

// NewBalance builds a BALANCE message pushing ledger state to the client.
func NewBalance(balance, totalPay, totalSpend, totalRequests, totalBytes string) Message {
	return Message{
		MsgType:       MsgTypeBalance,
		Balance:       balance,
		TotalPay:      totalPay,
		TotalSpend:    totalSpend,
		TotalRequests: totalRequests,
		TotalBytes:    totalBytes,
	}
}
