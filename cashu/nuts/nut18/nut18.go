// Package nut18 contains the payment request encoding defined in [NUT-18]
//
// [NUT-18]: https://github.com/cashubtc/nuts/blob/main/18.md
package nut18

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	PaymentRequestPrefix = "creq"
	PaymentRequestV1     = "A"
)

var ErrInvalidPaymentRequest = errors.New("invalid payment request")

type PaymentRequest struct {
	Id          string      `json:"i,omitempty" cbor:"i,omitempty"`
	Amount      uint64      `json:"a,omitempty" cbor:"a,omitempty"`
	Unit        string      `json:"u,omitempty" cbor:"u,omitempty"`
	SingleUse   bool        `json:"s,omitempty" cbor:"s,omitempty"`
	Mints       []string    `json:"m,omitempty" cbor:"m,omitempty"`
	Description string      `json:"d,omitempty" cbor:"d,omitempty"`
	Transports  []Transport `json:"t,omitempty" cbor:"t,omitempty"`
}

type Transport struct {
	Type   string     `json:"t" cbor:"t"`
	Target string     `json:"a" cbor:"a"`
	Tags   [][]string `json:"g,omitempty" cbor:"g,omitempty"`
}

func (pr PaymentRequest) Encode() (string, error) {
	requestBytes, err := cbor.Marshal(pr)
	if err != nil {
		return "", fmt.Errorf("cbor.Marshal: %v", err)
	}

	return PaymentRequestPrefix + PaymentRequestV1 +
		base64.URLEncoding.EncodeToString(requestBytes), nil
}

func Decode(request string) (*PaymentRequest, error) {
	if !strings.HasPrefix(request, PaymentRequestPrefix+PaymentRequestV1) {
		return nil, ErrInvalidPaymentRequest
	}

	encoded := request[len(PaymentRequestPrefix)+len(PaymentRequestV1):]
	requestBytes, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		requestBytes, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("error decoding payment request: %v", err)
		}
	}

	var pr PaymentRequest
	if err := cbor.Unmarshal(requestBytes, &pr); err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %v", err)
	}

	return &pr, nil
}
