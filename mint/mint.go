// Package mint is a strongly-typed client for the Cashu wire
// protocol. It owns blinding secrets for the outputs it requests and
// unblinds the mint's signatures into proofs.
package mint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut03"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/cashu/nuts/nut07"
	"github.com/nutjar/nutjar/cashu/nuts/nut11"
	"github.com/nutjar/nutjar/crypto"
)

var (
	ErrInsufficientInputs = errors.New("input proofs do not cover amount and fees")
	ErrMintMismatch       = errors.New("token is from a different mint")
)

// OutputOptions configures the outputs requested from a swap.
type OutputOptions struct {
	// P2PKPubkey, when set, locks the send outputs to the given
	// compressed public key (NUT-11).
	P2PKPubkey string
}

type Client struct {
	mintURL string
	unit    cashu.Unit

	httpClient *http.Client

	mu           sync.Mutex
	activeKeyset *crypto.WalletKeyset
}

func NewClient(mintURL string, unit cashu.Unit) (*Client, error) {
	parsedURL, err := url.Parse(mintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	return &Client{
		mintURL:    parsedURL.String(),
		unit:       unit,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

var (
	sharedOnce   sync.Once
	sharedClient *Client
	sharedErr    error
)

// Shared returns the process-wide client, created on first use.
// All subsequent callers observe the same instance.
func Shared(mintURL string, unit cashu.Unit) (*Client, error) {
	sharedOnce.Do(func() {
		sharedClient, sharedErr = NewClient(mintURL, unit)
	})
	return sharedClient, sharedErr
}

func (c *Client) MintURL() string {
	return c.mintURL
}

// keyset returns the active keyset for the client's unit, fetching it
// from the mint on first use.
func (c *Client) keyset(ctx context.Context) (*crypto.WalletKeyset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeKeyset != nil {
		return c.activeKeyset, nil
	}

	keysets, err := c.getAllKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}
	keysResponse, err := c.getActiveKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting active keys from mint: %w", err)
	}

	for i, keyset := range keysResponse.Keysets {
		if keyset.Unit != c.unit.String() {
			continue
		}
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		keys, err := crypto.MapPubKeys(keysResponse.Keysets[i].Keys)
		if err != nil {
			return nil, err
		}
		if id := crypto.DeriveKeysetId(keys); id != keyset.Id {
			return nil, fmt.Errorf("got invalid keyset: derived id '%v' but mint returned '%v'", id, keyset.Id)
		}

		var inputFeePpk uint
		for _, ks := range keysets.Keysets {
			if ks.Id == keyset.Id {
				inputFeePpk = ks.InputFeePpk
				break
			}
		}

		c.activeKeyset = &crypto.WalletKeyset{
			Id:          keyset.Id,
			MintURL:     c.mintURL,
			Unit:        keyset.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: inputFeePpk,
		}
		return c.activeKeyset, nil
	}

	return nil, fmt.Errorf("mint has no active keyset for unit '%v'", c.unit)
}

// inputFee is the mint's fee for consuming n proofs, rounded up
// per NUT-02.
func inputFee(n int, feePpk uint) uint64 {
	return uint64((n*int(feePpk) + 999) / 1000)
}

func (c *Client) CreateMintQuote(ctx context.Context, amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	return c.postMintQuoteBolt11(ctx, nut04.PostMintQuoteBolt11Request{
		Amount: amount,
		Unit:   c.unit.String(),
	})
}

func (c *Client) CheckMintQuote(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	return c.getMintQuoteState(ctx, quoteId)
}

// MintProofs requests signatures against a paid mint quote and
// unblinds them into fresh proofs.
func (c *Client) MintProofs(ctx context.Context, amount uint64, quoteId string) (cashu.Proofs, error) {
	keyset, err := c.keyset(ctx)
	if err != nil {
		return nil, err
	}

	outputs, secrets, rs, err := createBlindedMessages(amount, keyset.Id, "")
	if err != nil {
		return nil, err
	}

	mintResponse, err := c.postMintBolt11(ctx, nut04.PostMintBolt11Request{Quote: quoteId, Outputs: outputs})
	if err != nil {
		return nil, err
	}

	return constructProofs(mintResponse.Signatures, secrets, rs, keyset)
}

// Swap consumes inputs at the mint and splits them into a keep bundle
// and a send bundle totalling amount. With includeFees the redemption
// fee for the send proofs is reserved out of the keep side so the
// recipient receives the full nominal amount. When the inputs already
// total exactly the requested amount and no lock was asked for, the
// inputs are handed back verbatim as the send bundle without touching
// the mint.
func (c *Client) Swap(ctx context.Context, amount uint64, inputs cashu.Proofs, includeFees bool, options *OutputOptions) (
	keep cashu.Proofs, send cashu.Proofs, err error) {

	keyset, err := c.keyset(ctx)
	if err != nil {
		return nil, nil, err
	}

	lockPubkey := ""
	if options != nil {
		lockPubkey = options.P2PKPubkey
	}

	sendAmount := amount
	if includeFees {
		sendAmount += inputFee(len(cashu.AmountSplit(amount)), keyset.InputFeePpk)
	}

	if sendAmount == inputs.Amount() && lockPubkey == "" {
		return nil, inputs, nil
	}

	swapFee := inputFee(len(inputs), keyset.InputFeePpk)
	if inputs.Amount() < sendAmount+swapFee {
		return nil, nil, ErrInsufficientInputs
	}
	keepAmount := inputs.Amount() - sendAmount - swapFee

	keepMsgs, keepSecrets, keepRs, err := createBlindedMessages(keepAmount, keyset.Id, "")
	if err != nil {
		return nil, nil, err
	}
	sendMsgs, sendSecrets, sendRs, err := createBlindedMessages(sendAmount, keyset.Id, lockPubkey)
	if err != nil {
		return nil, nil, err
	}

	outputs := make(cashu.BlindedMessages, 0, len(keepMsgs)+len(sendMsgs))
	outputs = append(outputs, keepMsgs...)
	outputs = append(outputs, sendMsgs...)
	secrets := append(keepSecrets, sendSecrets...)
	rs := append(keepRs, sendRs...)

	swapResponse, err := c.postSwap(ctx, nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		return nil, nil, err
	}

	proofs, err := constructProofs(swapResponse.Signatures, secrets, rs, keyset)
	if err != nil {
		return nil, nil, err
	}
	if len(proofs) != len(outputs) {
		return nil, nil, fmt.Errorf("mint returned %v signatures for %v outputs", len(proofs), len(outputs))
	}

	return proofs[:len(keepMsgs)], proofs[len(keepMsgs):], nil
}

// Receive swaps the proofs embedded in a token for fresh ones bound to
// secrets this client generated.
func (c *Client) Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error) {
	if token.Mint() != c.mintURL {
		return nil, ErrMintMismatch
	}

	keyset, err := c.keyset(ctx)
	if err != nil {
		return nil, err
	}

	inputs := token.Proofs()
	swapFee := inputFee(len(inputs), keyset.InputFeePpk)
	if inputs.Amount() <= swapFee {
		return nil, ErrInsufficientInputs
	}

	outputs, secrets, rs, err := createBlindedMessages(inputs.Amount()-swapFee, keyset.Id, "")
	if err != nil {
		return nil, err
	}

	swapResponse, err := c.postSwap(ctx, nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		return nil, err
	}

	return constructProofs(swapResponse.Signatures, secrets, rs, keyset)
}

func (c *Client) CreateMeltQuote(ctx context.Context, request string) (*nut05.PostMeltQuoteBolt11Response, error) {
	return c.postMeltQuoteBolt11(ctx, nut05.PostMeltQuoteBolt11Request{
		Request: request,
		Unit:    c.unit.String(),
	})
}

func (c *Client) CheckMeltQuote(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	return c.getMeltQuoteState(ctx, quoteId)
}

// MeltProofs asks the mint to pay the quote's invoice with the given
// inputs. Blank outputs are attached per NUT-08 so overpaid fee
// reserve comes back as change proofs.
func (c *Client) MeltProofs(ctx context.Context, quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (
	*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {

	keyset, err := c.keyset(ctx)
	if err != nil {
		return nil, nil, err
	}

	var outputs cashu.BlindedMessages
	var secrets []string
	var rs []*secp256k1.PrivateKey
	if quote.FeeReserve > 0 {
		count := int(math.Ceil(math.Log2(float64(quote.FeeReserve))))
		if count < 1 {
			count = 1
		}
		outputs, secrets, rs, err = blankOutputs(count, keyset.Id)
		if err != nil {
			return nil, nil, err
		}
	}

	meltResponse, err := c.postMeltBolt11(ctx, nut05.PostMeltBolt11Request{
		Quote:   quote.Quote,
		Inputs:  inputs,
		Outputs: outputs,
	})
	if err != nil {
		return nil, nil, err
	}

	var change cashu.Proofs
	if n := len(meltResponse.Change); n > 0 && n <= len(secrets) {
		change, err = constructProofs(meltResponse.Change, secrets[:n], rs[:n], keyset)
		if err != nil {
			return nil, nil, fmt.Errorf("error unblinding change: %v", err)
		}
	}

	return meltResponse, change, nil
}

// CheckProofStates queries the mint's view of each proof. States come
// back in the same order as the proofs passed in.
func (c *Client) CheckProofStates(ctx context.Context, proofs cashu.Proofs) ([]nut07.ProofState, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	stateResponse, err := c.postCheckProofState(ctx, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, err
	}

	return stateResponse.States, nil
}

// createBlindedMessages returns blinded messages for the amount split,
// along with their secrets and blinding factors. A non-empty
// lockPubkey produces NUT-11 locked secrets.
func createBlindedMessages(amount uint64, keysetId string, lockPubkey string) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		var secret string
		var err error
		if lockPubkey != "" {
			if _, err := nut11.ParsePublicKey(lockPubkey); err != nil {
				return nil, nil, nil, err
			}
			secret, err = nut11.P2PKSecret(lockPubkey)
		} else {
			secret, err = randomSecret()
		}
		if err != nil {
			return nil, nil, nil, err
		}

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	cashu.SortBlindedMessages(blindedMessages, secrets, rs)

	return blindedMessages, secrets, rs, nil
}

// blankOutputs are outputs with no meaningful amount; the mint assigns
// amounts when returning overpaid fees (NUT-08).
func blankOutputs(count int, keysetId string) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	blindedMessages := make(cashu.BlindedMessages, count)
	secrets := make([]string, count)
	rs := make([]*secp256k1.PrivateKey, count)

	for i := 0; i < count; i++ {
		secret, err := randomSecret()
		if err != nil {
			return nil, nil, nil, err
		}
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}
		B_, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, 1, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

func randomSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(secretBytes), nil
}

func constructProofs(blindedSignatures cashu.BlindedSignatures, secrets []string,
	rs []*secp256k1.PrivateKey, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	sigsLength := len(blindedSignatures)
	if sigsLength != len(secrets) || sigsLength != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, sigsLength)
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := keyset.PublicKeys[blindedSignature.Amount]
		if !ok {
			return nil, errors.New("mint signed with amount not in keyset")
		}

		C := crypto.UnblindSignature(C_, rs[i], K)

		proof := cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			Id:     blindedSignature.Id,
		}
		if blindedSignature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: blindedSignature.DLEQ.E,
				S: blindedSignature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}

		proofs[i] = proof
	}

	return proofs, nil
}
