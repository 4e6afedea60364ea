package lightning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nutjar/nutjar/apperr"
)

type AddressResolver struct {
	httpClient *http.Client
}

func NewAddressResolver() *AddressResolver {
	return &AddressResolver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type lnurlPayParams struct {
	Callback    string `json:"callback"`
	MinSendable uint64 `json:"minSendable"`
	MaxSendable uint64 `json:"maxSendable"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

type lnurlInvoice struct {
	Pr     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ResolveAddress resolves a name@domain Lightning address to a bolt11
// invoice for the given amount via the LNURL-pay flow.
func (r *AddressResolver) ResolveAddress(ctx context.Context, address string, amountMsat uint64) (string, error) {
	name, domain, ok := strings.Cut(address, "@")
	if !ok || name == "" || domain == "" {
		return "", apperr.ValidationError("invalid lightning address")
	}

	payURL := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, url.PathEscape(name))

	var params lnurlPayParams
	if err := r.getJSON(ctx, payURL, &params); err != nil {
		return "", err
	}
	if params.Status == "ERROR" {
		return "", lnurlError(params.Reason)
	}
	if params.Callback == "" {
		return "", lnurlError("lightning address gave no callback")
	}
	if amountMsat < params.MinSendable || amountMsat > params.MaxSendable {
		return "", apperr.Newf(http.StatusBadRequest, apperr.Validation,
			"amount must be between %d and %d msat for this address",
			params.MinSendable, params.MaxSendable)
	}

	separator := "?"
	if strings.Contains(params.Callback, "?") {
		separator = "&"
	}
	callbackURL := fmt.Sprintf("%s%samount=%d", params.Callback, separator, amountMsat)

	var invoice lnurlInvoice
	if err := r.getJSON(ctx, callbackURL, &invoice); err != nil {
		return "", err
	}
	if invoice.Status == "ERROR" {
		return "", lnurlError(invoice.Reason)
	}
	if invoice.Pr == "" {
		return "", lnurlError("lightning address gave no invoice")
	}

	return invoice.Pr, nil
}

func (r *AddressResolver) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return lnurlError("invalid lightning address")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return lnurlError("could not reach lightning address provider")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return lnurlError(fmt.Sprintf("lightning address provider returned status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return lnurlError("invalid response from lightning address provider")
	}
	return nil
}

// lnurlError failures map to 400 so the caller knows the address, not
// the wallet, is at fault.
func lnurlError(reason string) error {
	return apperr.New(http.StatusBadRequest, apperr.Connection, reason)
}
