// Package lightning holds the Lightning-side collaborators of the
// wallet: bolt11 invoice decoding and LNURL-pay address resolution.
package lightning

import (
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/nutjar/nutjar/apperr"
)

// DecodeInvoice decodes a bolt11 payment request.
func DecodeInvoice(request string) (decodepay.Bolt11, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return decodepay.Bolt11{}, apperr.ValidationError("invalid bolt11 invoice")
	}
	return invoice, nil
}
