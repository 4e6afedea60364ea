// Package wallet implements the proof-lifecycle engine of the
// custodial wallet: deposits, sends, receives, Lightning payments and
// reconciliation of pending proofs against the mint.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/nutjar/nutjar/apperr"
	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/cashu/nuts/nut07"
	"github.com/nutjar/nutjar/mint"
	"github.com/nutjar/nutjar/wallet/storage"
)

// MintClient is the engine's view of the Cashu mint. *mint.Client
// satisfies it; tests substitute a mock.
type MintClient interface {
	MintURL() string
	CreateMintQuote(ctx context.Context, amount uint64) (*nut04.PostMintQuoteBolt11Response, error)
	CheckMintQuote(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	MintProofs(ctx context.Context, amount uint64, quoteId string) (cashu.Proofs, error)
	Swap(ctx context.Context, amount uint64, inputs cashu.Proofs, includeFees bool, options *mint.OutputOptions) (cashu.Proofs, cashu.Proofs, error)
	Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error)
	CreateMeltQuote(ctx context.Context, request string) (*nut05.PostMeltQuoteBolt11Response, error)
	CheckMeltQuote(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	MeltProofs(ctx context.Context, quote *nut05.PostMeltQuoteBolt11Response, inputs cashu.Proofs) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error)
	CheckProofStates(ctx context.Context, proofs cashu.Proofs) ([]nut07.ProofState, error)
}

type Engine struct {
	db     storage.WalletDB
	mint   MintClient
	unit   cashu.Unit
	limits Limits
	logger *slog.Logger

	locks *keyedMutex
}

func NewEngine(db storage.WalletDB, mintClient MintClient, unit cashu.Unit, limits Limits, logger *slog.Logger) *Engine {
	return &Engine{
		db:     db,
		mint:   mintClient,
		unit:   unit,
		limits: limits,
		logger: logger,
		locks:  newKeyedMutex(),
	}
}

func (e *Engine) MintURL() string {
	return e.mint.MintURL()
}

func (e *Engine) Unit() cashu.Unit {
	return e.unit
}

func (e *Engine) Limits() Limits {
	return e.limits
}

// CreateWallet provisions a wallet with a fresh access key. If an
// initial token is given it is received immediately; on failure the
// wallet and any proofs it collected are rolled back.
func (e *Engine) CreateWallet(ctx context.Context, name string, token string) (*storage.Wallet, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, apperr.UnknownError("could not generate access key")
	}

	wallet, err := e.db.CreateWallet(ctx, storage.CreateWalletParams{
		AccessKey: hex.EncodeToString(keyBytes),
		Name:      name,
		Mint:      e.mint.MintURL(),
		Unit:      e.unit.String(),
	})
	if err != nil {
		return nil, apperr.DatabaseError("could not create wallet")
	}

	if token != "" {
		if _, err := e.ReceiveToken(ctx, wallet, token); err != nil {
			if dbErr := e.db.DeleteProofsByWallet(ctx, wallet.Id); dbErr != nil {
				e.logger.Error("could not roll back proofs for new wallet",
					slog.Int64("wallet_id", wallet.Id), slog.String("error", dbErr.Error()))
			}
			if dbErr := e.db.DeleteWallet(ctx, wallet.Id); dbErr != nil {
				e.logger.Error("could not roll back new wallet",
					slog.Int64("wallet_id", wallet.Id), slog.String("error", dbErr.Error()))
			}
			return nil, err
		}
	}

	return wallet, nil
}

// WalletByAccessKey resolves the bearer credential to a wallet.
func (e *Engine) WalletByAccessKey(ctx context.Context, accessKey string) (*storage.Wallet, error) {
	wallet, err := e.db.GetWalletByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, apperr.DatabaseError("could not look up wallet")
	}
	if wallet == nil {
		return nil, apperr.UnauthorizedError("invalid access key")
	}
	return wallet, nil
}

// Balance returns the UNSPENT and PENDING sums for the wallet.
func (e *Engine) Balance(ctx context.Context, walletId int64) (uint64, uint64, error) {
	balance, err := e.db.SumProofs(ctx, walletId, storage.Unspent)
	if err != nil {
		return 0, 0, apperr.DatabaseError("could not read balance")
	}
	pending, err := e.db.SumProofs(ctx, walletId, storage.Pending)
	if err != nil {
		return 0, 0, apperr.DatabaseError("could not read pending balance")
	}
	return balance, pending, nil
}

// CreateDepositQuote requests a bolt11 mint quote; the returned
// request is the invoice the caller pays to fund the wallet.
func (e *Engine) CreateDepositQuote(ctx context.Context, wallet *storage.Wallet, amount uint64, unit string) (
	*nut04.PostMintQuoteBolt11Response, error) {

	if err := e.checkUnit(wallet, unit); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, apperr.ValidationError("amount must be greater than zero")
	}

	balance, _, err := e.Balance(ctx, wallet.Id)
	if err != nil {
		return nil, err
	}
	if maxBalance := e.limits.MaxBalanceFor(wallet); balance+amount > maxBalance {
		return nil, apperr.Newf(http.StatusBadRequest, apperr.Limit,
			"deposit would exceed the maximum balance of %d %s", maxBalance, wallet.Unit)
	}

	quote, err := e.mint.CreateMintQuote(ctx, amount)
	if err != nil {
		return nil, e.mintError(err)
	}
	return quote, nil
}

// CheckDepositQuote returns the mint's view of the quote. When the
// quote is PAID the engine opportunistically mints the proofs; a
// failure there is logged but does not fail the check, since retrying
// is safe and the mint refuses to issue twice against one quote.
func (e *Engine) CheckDepositQuote(ctx context.Context, wallet *storage.Wallet, quoteId string) (
	*nut04.PostMintQuoteBolt11Response, error) {

	quote, err := e.mint.CheckMintQuote(ctx, quoteId)
	if err != nil {
		return nil, e.mintError(err)
	}

	if quote.State == nut04.Paid {
		if err := e.mintPaidQuote(ctx, wallet, quote); err != nil {
			e.logger.Warn("could not mint proofs for paid quote",
				slog.Int64("wallet_id", wallet.Id),
				slog.String("quote", quote.Quote),
				slog.String("error", err.Error()))
		}
	}

	return quote, nil
}

func (e *Engine) mintPaidQuote(ctx context.Context, wallet *storage.Wallet, quote *nut04.PostMintQuoteBolt11Response) error {
	amount, err := e.invoiceAmount(quote.Request)
	if err != nil {
		return fmt.Errorf("could not decode quote invoice: %v", err)
	}

	e.locks.lock(wallet.Id)
	defer e.locks.unlock(wallet.Id)

	proofs, err := e.mint.MintProofs(ctx, amount, quote.Quote)
	if err != nil {
		return err
	}
	return e.db.SaveProofs(ctx, wallet.Id, proofs, storage.Unspent)
}

// SendProofs produces a send bundle totalling amount for export as an
// encoded token. Inputs consumed by the mint swap go SPENT, fresh keep
// proofs are stored UNSPENT, and the send bundle is held PENDING until
// its fate is known. An input the mint hands back verbatim as the send
// piece flips to PENDING in place rather than being inserted twice.
func (e *Engine) SendProofs(ctx context.Context, wallet *storage.Wallet, amount uint64, unit string, p2pkPubkey string) (
	keep cashu.Proofs, send cashu.Proofs, err error) {

	if err := e.checkUnit(wallet, unit); err != nil {
		return nil, nil, err
	}
	if amount == 0 {
		return nil, nil, apperr.ValidationError("amount must be greater than zero")
	}
	if maxSend := e.limits.MaxSendFor(wallet); amount > maxSend {
		return nil, nil, apperr.Newf(http.StatusBadRequest, apperr.Limit,
			"amount exceeds the maximum send of %d %s", maxSend, wallet.Unit)
	}

	var options *mint.OutputOptions
	if p2pkPubkey != "" {
		pubkey, err := NormalizePubkey(p2pkPubkey)
		if err != nil {
			return nil, nil, err
		}
		options = &mint.OutputOptions{P2PKPubkey: pubkey}
	}

	e.locks.lock(wallet.Id)
	defer e.locks.unlock(wallet.Id)

	inputs, err := e.unspentProofs(ctx, wallet.Id)
	if err != nil {
		return nil, nil, err
	}
	if inputs.Amount() < amount {
		return nil, nil, apperr.ValidationError("insufficient balance")
	}

	keep, send, err = e.mint.Swap(ctx, amount, inputs, true, options)
	if err != nil {
		return nil, nil, e.swapError(err)
	}

	update := classifyProofUpdate(inputs, keep, send)
	if err := e.db.ApplyProofUpdate(ctx, wallet.Id, update); err != nil {
		return nil, nil, apperr.DatabaseError("could not persist proofs")
	}

	return keep, send, nil
}

// ReceiveToken swaps the proofs in the token for fresh ones owned by
// the wallet and stores them UNSPENT.
func (e *Engine) ReceiveToken(ctx context.Context, wallet *storage.Wallet, tokenStr string) (cashu.Proofs, error) {
	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return nil, apperr.ValidationError(err.Error())
	}

	e.locks.lock(wallet.Id)
	defer e.locks.unlock(wallet.Id)

	balance, err := e.db.SumProofs(ctx, wallet.Id, storage.Unspent)
	if err != nil {
		return nil, apperr.DatabaseError("could not read balance")
	}
	if maxBalance := e.limits.MaxBalanceFor(wallet); balance+token.Amount() > maxBalance {
		return nil, apperr.Newf(http.StatusBadRequest, apperr.Limit,
			"receiving would exceed the maximum balance of %d %s", maxBalance, wallet.Unit)
	}

	proofs, err := e.mint.Receive(ctx, token)
	if err != nil {
		if errors.Is(err, mint.ErrMintMismatch) {
			return nil, apperr.ValidationError("token is from a different mint")
		}
		return nil, e.swapError(err)
	}

	if err := e.db.SaveProofs(ctx, wallet.Id, proofs, storage.Unspent); err != nil {
		return nil, apperr.DatabaseError("could not persist received proofs")
	}

	return proofs, nil
}

// CreatePayQuote requests a melt quote for the bolt11 invoice.
func (e *Engine) CreatePayQuote(ctx context.Context, wallet *storage.Wallet, request string, unit string) (
	*nut05.PostMeltQuoteBolt11Response, error) {

	if err := e.checkUnit(wallet, unit); err != nil {
		return nil, err
	}
	if _, err := decodepay.Decodepay(request); err != nil {
		return nil, apperr.ValidationError("invalid bolt11 invoice")
	}

	quote, err := e.mint.CreateMeltQuote(ctx, request)
	if err != nil {
		return nil, e.mintError(err)
	}

	if maxPay := e.limits.MaxPayFor(wallet); quote.Amount > maxPay {
		return nil, apperr.Newf(http.StatusBadRequest, apperr.Limit,
			"amount exceeds the maximum payment of %d %s", maxPay, wallet.Unit)
	}

	return quote, nil
}

// CheckPayQuote returns the mint's current view of a melt quote.
func (e *Engine) CheckPayQuote(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	quote, err := e.mint.CheckMeltQuote(ctx, quoteId)
	if err != nil {
		return nil, e.mintError(err)
	}
	return quote, nil
}

// MeltProofs pays the quote's Lightning invoice with the wallet's
// proofs. The amount plus fee reserve is first swapped into an exact
// send bundle which is reserved PENDING; only then is the payment
// attempted. When the payment outcome is unknown the mint's view of
// the quote decides whether the reserved proofs are spent, reverted,
// or left pending for later reconciliation.
func (e *Engine) MeltProofs(ctx context.Context, wallet *storage.Wallet, quote *nut05.PostMeltQuoteBolt11Response) (
	*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {

	e.locks.lock(wallet.Id)
	defer e.locks.unlock(wallet.Id)

	needed := quote.Amount + quote.FeeReserve
	inputs, err := e.unspentProofs(ctx, wallet.Id)
	if err != nil {
		return nil, nil, err
	}
	if inputs.Amount() < needed {
		return nil, nil, apperr.ValidationError("insufficient balance to cover amount and fee reserve")
	}

	keep, send, err := e.mint.Swap(ctx, needed, inputs, false, nil)
	if err != nil {
		return nil, nil, e.swapError(err)
	}

	update := classifyProofUpdate(inputs, keep, send)
	if err := e.db.ApplyProofUpdate(ctx, wallet.Id, update); err != nil {
		return nil, nil, apperr.DatabaseError("could not reserve proofs for payment")
	}

	sendSecrets := make([]string, len(send))
	for i, proof := range send {
		sendSecrets[i] = proof.Secret
	}

	meltResponse, change, meltErr := e.mint.MeltProofs(ctx, quote, send)
	if meltErr == nil {
		return e.settleMelt(ctx, wallet.Id, meltResponse, change, sendSecrets)
	}

	// The payment outcome is unknown. The mint's view of the quote is
	// authoritative; a failed re-check must not revert the reservation.
	checked, checkErr := e.mint.CheckMeltQuote(ctx, quote.Quote)
	if checkErr != nil {
		return nil, nil, apperr.ConnectionError("could not confirm payment state with mint; reserved proofs are pending")
	}

	switch checked.State {
	case nut05.Paid:
		if err := e.db.UpdateProofsStatus(ctx, wallet.Id, sendSecrets, storage.Spent); err != nil {
			return nil, nil, apperr.DatabaseError("could not persist payment result")
		}
		return checked, nil, nil

	case nut05.Pending:
		return nil, nil, apperr.TimeoutError("payment is in flight; check the quote later")

	default:
		var cashuErr cashu.Error
		if errors.As(meltErr, &cashuErr) {
			switch cashuErr.Code {
			case cashu.ProofPendingErrCode:
				if _, err := e.reconcile(ctx, wallet.Id); err != nil {
					e.logger.Error("reconciliation after pending melt failed",
						slog.Int64("wallet_id", wallet.Id), slog.String("error", err.Error()))
				}
				return nil, nil, apperr.TimeoutError("proofs are pending at the mint; check the quote later")

			case cashu.ProofAlreadyUsedErrCode:
				if _, err := e.reconcile(ctx, wallet.Id); err != nil {
					e.logger.Error("reconciliation after spent melt inputs failed",
						slog.Int64("wallet_id", wallet.Id), slog.String("error", err.Error()))
				}
				return nil, nil, apperr.ConnectionError("proofs were already spent at the mint")
			}
		}

		// The payment definitively did not happen; release the reservation.
		if err := e.db.UpdateProofsStatus(ctx, wallet.Id, sendSecrets, storage.Unspent); err != nil {
			return nil, nil, apperr.DatabaseError("could not release reserved proofs")
		}
		return nil, nil, apperr.ConnectionError("payment failed: " + meltErr.Error())
	}
}

func (e *Engine) settleMelt(ctx context.Context, walletId int64, meltResponse *nut05.PostMeltQuoteBolt11Response,
	change cashu.Proofs, sendSecrets []string) (*nut05.PostMeltQuoteBolt11Response, cashu.Proofs, error) {

	switch meltResponse.State {
	case nut05.Paid:
		err := e.db.ApplyProofUpdate(ctx, walletId, storage.ProofUpdate{
			MarkSpent:     sendSecrets,
			InsertUnspent: change,
		})
		if err != nil {
			return nil, nil, apperr.DatabaseError("could not persist payment result")
		}
		return meltResponse, change, nil

	case nut05.Pending:
		return nil, nil, apperr.TimeoutError("payment is in flight; check the quote later")

	default:
		if err := e.db.UpdateProofsStatus(ctx, walletId, sendSecrets, storage.Unspent); err != nil {
			return nil, nil, apperr.DatabaseError("could not release reserved proofs")
		}
		return nil, nil, apperr.ConnectionError("mint did not pay the invoice")
	}
}

// ReconcileResult counts the outcomes of one reconciliation pass.
type ReconcileResult struct {
	Spent   int `json:"spent"`
	Pending int `json:"pending"`
	Unspent int `json:"unspent"`
}

// ReconcileWithMint brings every PENDING proof of the wallet into
// agreement with the mint's authoritative view. Idempotent.
func (e *Engine) ReconcileWithMint(ctx context.Context, walletId int64) (ReconcileResult, error) {
	e.locks.lock(walletId)
	defer e.locks.unlock(walletId)

	return e.reconcile(ctx, walletId)
}

// reconcile is ReconcileWithMint without the wallet lock, for callers
// already holding it.
func (e *Engine) reconcile(ctx context.Context, walletId int64) (ReconcileResult, error) {
	var result ReconcileResult

	rows, err := e.db.GetProofs(ctx, walletId, storage.Pending)
	if err != nil {
		return result, apperr.DatabaseError("could not load pending proofs")
	}
	if len(rows) == 0 {
		return result, nil
	}

	proofs := make(cashu.Proofs, len(rows))
	for i, row := range rows {
		proofs[i] = row.ToCashuProof()
	}

	states, err := e.mint.CheckProofStates(ctx, proofs)
	if err != nil {
		return result, apperr.ConnectionError("could not check proof states with mint")
	}
	if len(states) != len(proofs) {
		return result, apperr.ConnectionError("mint returned an unexpected number of proof states")
	}

	var markSpent, markUnspent []string
	for i, state := range states {
		switch state.State {
		case nut07.Spent:
			markSpent = append(markSpent, proofs[i].Secret)
		case nut07.Unspent:
			markUnspent = append(markUnspent, proofs[i].Secret)
		default:
			result.Pending++
		}
	}

	if err := e.db.UpdateProofsStatus(ctx, walletId, markSpent, storage.Spent); err != nil {
		return result, apperr.DatabaseError("could not persist reconciled proofs")
	}
	if err := e.db.UpdateProofsStatus(ctx, walletId, markUnspent, storage.Unspent); err != nil {
		return result, apperr.DatabaseError("could not persist reconciled proofs")
	}

	result.Spent = len(markSpent)
	result.Unspent = len(markUnspent)
	return result, nil
}

// CheckTokenState decodes the token and queries the mint for the state
// of its proofs. Local pending rows are reconciled best-effort on the
// way so the wallet's view keeps up with tokens it handed out.
func (e *Engine) CheckTokenState(ctx context.Context, walletId int64, tokenStr string) (
	[]nut07.ProofState, cashu.Token, error) {

	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return nil, nil, apperr.ValidationError(err.Error())
	}

	states, err := e.mint.CheckProofStates(ctx, token.Proofs())
	if err != nil {
		return nil, nil, apperr.ConnectionError("could not check proof states with mint")
	}

	if _, err := e.ReconcileWithMint(ctx, walletId); err != nil {
		e.logger.Warn("reconciliation during token check failed",
			slog.Int64("wallet_id", walletId), slog.String("error", err.Error()))
	}

	return states, token, nil
}

func (e *Engine) unspentProofs(ctx context.Context, walletId int64) (cashu.Proofs, error) {
	rows, err := e.db.GetProofs(ctx, walletId, storage.Unspent)
	if err != nil {
		return nil, apperr.DatabaseError("could not load proofs")
	}
	proofs := make(cashu.Proofs, len(rows))
	for i, row := range rows {
		proofs[i] = row.ToCashuProof()
	}
	return proofs, nil
}

func (e *Engine) invoiceAmount(request string) (uint64, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return 0, err
	}
	msat := uint64(invoice.MSatoshi)
	if e.unit == cashu.Msat {
		return msat, nil
	}
	return msat / 1000, nil
}

func (e *Engine) checkUnit(wallet *storage.Wallet, unit string) error {
	if unit != wallet.Unit {
		return apperr.Newf(http.StatusBadRequest, apperr.Validation,
			"invalid unit: wallet unit is '%s'", wallet.Unit)
	}
	return nil
}

// mintError maps a mint client failure: a structured mint rejection is
// the caller's problem, anything else is a connectivity failure.
func (e *Engine) mintError(err error) error {
	var cashuErr cashu.Error
	if errors.As(err, &cashuErr) {
		return apperr.ValidationError(cashuErr.Detail)
	}
	return apperr.ConnectionError("could not reach mint: " + err.Error())
}

func (e *Engine) swapError(err error) error {
	if errors.Is(err, mint.ErrInsufficientInputs) {
		return apperr.ValidationError("insufficient balance to cover amount and fees")
	}
	return e.mintError(err)
}

// classifyProofUpdate splits the outcome of a swap into the composite
// write the store commits atomically. Inputs absent from the returned
// bundles were consumed by the mint; returned proofs whose secret was
// already an input are transitions of existing rows, never inserts.
func classifyProofUpdate(inputs, keep, send cashu.Proofs) storage.ProofUpdate {
	inputSecrets := inputs.SecretSet()

	returned := make(map[string]struct{}, len(keep)+len(send))
	for _, proof := range keep {
		returned[proof.Secret] = struct{}{}
	}
	for _, proof := range send {
		returned[proof.Secret] = struct{}{}
	}

	var update storage.ProofUpdate
	for _, proof := range inputs {
		if _, ok := returned[proof.Secret]; !ok {
			update.MarkSpent = append(update.MarkSpent, proof.Secret)
		}
	}
	for _, proof := range keep {
		if _, ok := inputSecrets[proof.Secret]; !ok {
			update.InsertUnspent = append(update.InsertUnspent, proof)
		}
	}
	for _, proof := range send {
		if _, ok := inputSecrets[proof.Secret]; ok {
			update.MarkPending = append(update.MarkPending, proof.Secret)
		} else {
			update.InsertPending = append(update.InsertPending, proof)
		}
	}
	return update
}
