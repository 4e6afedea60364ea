package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nutjar/nutjar/apperr"
	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut07"
	"github.com/nutjar/nutjar/cashu/nuts/nut18"
	"github.com/nutjar/nutjar/lightning"
)

type limitsResponse struct {
	MaxBalance               uint64 `json:"max_balance"`
	MaxSend                  uint64 `json:"max_send"`
	MaxPay                   uint64 `json:"max_pay"`
	RateLimitMax             int    `json:"rate_limit_max,omitempty"`
	RateLimitCreateWalletMax int    `json:"rate_limit_create_wallet_max,omitempty"`
	RateLimitWindowSeconds   int    `json:"rate_limit_window,omitempty"`
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request) {
	limits := s.engine.Limits()
	s.writeJSON(w, http.StatusOK, struct {
		Status string         `json:"status"`
		Help   string         `json:"help"`
		Terms  string         `json:"terms"`
		Unit   string         `json:"unit"`
		Mint   string         `json:"mint"`
		Limits limitsResponse `json:"limits"`
	}{
		Status: s.config.ServiceStatus,
		Help:   s.config.ServiceHelp,
		Terms:  s.config.ServiceTerms,
		Unit:   s.engine.Unit().String(),
		Mint:   s.engine.MintURL(),
		Limits: limitsResponse{
			MaxBalance:               limits.MaxBalance,
			MaxSend:                  limits.MaxSend,
			MaxPay:                   limits.MaxPay,
			RateLimitMax:             s.config.RateLimitMax,
			RateLimitCreateWalletMax: s.config.RateLimitCreateWalletMax,
			RateLimitWindowSeconds:   int(s.config.RateLimitWindow.Seconds()),
		},
	})
}

type walletResponse struct {
	Name           string          `json:"name,omitempty"`
	AccessKey      string          `json:"access_key"`
	Mint           string          `json:"mint"`
	Unit           string          `json:"unit"`
	Balance        uint64          `json:"balance"`
	PendingBalance uint64          `json:"pending_balance"`
	Limits         *limitsResponse `json:"limits,omitempty"`
}

func (s *Server) createWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	walletRecord, err := s.engine.CreateWallet(r.Context(), req.Name, req.Token)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	balance, pending, err := s.engine.Balance(r.Context(), walletRecord.Id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, walletResponse{
		Name:           walletRecord.Name,
		AccessKey:      walletRecord.AccessKey,
		Mint:           walletRecord.Mint,
		Unit:           walletRecord.Unit,
		Balance:        balance,
		PendingBalance: pending,
	})
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	walletRecord := walletFrom(r)

	balance, pending, err := s.engine.Balance(r.Context(), walletRecord.Id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	limits := s.engine.Limits()
	s.writeJSON(w, http.StatusOK, walletResponse{
		Name:           walletRecord.Name,
		AccessKey:      walletRecord.AccessKey,
		Mint:           walletRecord.Mint,
		Unit:           walletRecord.Unit,
		Balance:        balance,
		PendingBalance: pending,
		Limits: &limitsResponse{
			MaxBalance: limits.MaxBalanceFor(walletRecord),
			MaxSend:    limits.MaxSendFor(walletRecord),
			MaxPay:     limits.MaxPayFor(walletRecord),
		},
	})
}

func (s *Server) createDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
		Unit   string `json:"unit"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	quote, err := s.engine.CreateDepositQuote(r.Context(), walletFrom(r), req.Amount, req.Unit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quote)
}

func (s *Server) checkDeposit(w http.ResponseWriter, r *http.Request) {
	quoteId := mux.Vars(r)["quote"]

	quote, err := s.engine.CheckDepositQuote(r.Context(), walletFrom(r), quoteId)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quote)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount       uint64 `json:"amount"`
		Unit         string `json:"unit"`
		Memo         string `json:"memo"`
		LockToPubkey string `json:"lock_to_pubkey"`
		CashuRequest string `json:"cashu_request"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.CashuRequest != "" {
		s.writeErr(w, apperr.ValidationError("cashu payment requests are not supported"))
		return
	}

	walletRecord := walletFrom(r)
	_, send, err := s.engine.SendProofs(r.Context(), walletRecord, req.Amount, req.Unit, req.LockToPubkey)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	token, err := cashu.NewTokenV4(send, walletRecord.Mint, s.engine.Unit(), true)
	if err != nil {
		s.writeErr(w, apperr.UnknownError("could not build token"))
		return
	}
	token.TokenMemo = req.Memo
	serialized, err := token.Serialize()
	if err != nil {
		s.writeErr(w, apperr.UnknownError("could not serialize token"))
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Token  string `json:"token"`
		Amount uint64 `json:"amount"`
		Unit   string `json:"unit"`
		Memo   string `json:"memo,omitempty"`
	}{
		Token:  serialized,
		Amount: send.Amount(),
		Unit:   walletRecord.Unit,
		Memo:   req.Memo,
	})
}

func (s *Server) checkToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	states, token, err := s.engine.CheckTokenState(r.Context(), walletFrom(r).Id, req.Token)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Amount          uint64            `json:"amount"`
		Unit            string            `json:"unit"`
		Memo            string            `json:"memo,omitempty"`
		State           string            `json:"state"`
		MintProofStates []nut07.ProofState `json:"mint_proof_states"`
	}{
		Amount:          token.Amount(),
		Unit:            tokenUnit(token),
		Memo:            token.Memo(),
		State:           overallState(states),
		MintProofStates: states,
	})
}

// overallState collapses per-proof states into one label.
func overallState(states []nut07.ProofState) string {
	if len(states) == 0 {
		return nut07.Unknown.String()
	}
	first := states[0].State
	for _, state := range states[1:] {
		if state.State != first {
			return "MIXED"
		}
	}
	return first.String()
}

func tokenUnit(token cashu.Token) string {
	switch t := token.(type) {
	case *cashu.TokenV3:
		return t.Unit
	case *cashu.TokenV4:
		return t.Unit
	}
	return ""
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	var decoded any
	var err error
	switch req.Type {
	case "CASHU_TOKEN_V3":
		decoded, err = cashu.DecodeTokenV3(req.Data)
	case "CASHU_TOKEN_V4":
		decoded, err = cashu.DecodeTokenV4(req.Data)
	case "BOLT11_REQUEST":
		decoded, err = lightning.DecodeInvoice(req.Data)
	case "CASHU_REQUEST":
		decoded, err = nut18.Decode(req.Data)
	default:
		s.writeErr(w, apperr.ValidationError("unknown decode type"))
		return
	}
	if err != nil {
		s.writeErr(w, apperr.ValidationError(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Type    string `json:"type"`
		Decoded any    `json:"decoded"`
	}{Type: req.Type, Decoded: decoded})
}

type payResponse struct {
	Quote           string `json:"quote"`
	Amount          uint64 `json:"amount"`
	FeeReserve      uint64 `json:"fee_reserve"`
	State           string `json:"state"`
	PaymentPreimage string `json:"payment_preimage,omitempty"`
	Expiry          uint64 `json:"expiry"`
}

func (s *Server) pay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bolt11Request    string `json:"bolt11_request"`
		LightningAddress string `json:"lightning_address"`
		Amount           uint64 `json:"amount"`
		Unit             string `json:"unit"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if (req.Bolt11Request == "") == (req.LightningAddress == "") {
		s.writeErr(w, apperr.ValidationError("provide exactly one of bolt11_request or lightning_address"))
		return
	}

	walletRecord := walletFrom(r)

	request := req.Bolt11Request
	if req.LightningAddress != "" {
		if req.Amount == 0 {
			s.writeErr(w, apperr.ValidationError("amount must be greater than zero"))
			return
		}
		amountMsat := req.Amount
		if walletRecord.Unit == cashu.Sat.String() {
			amountMsat = req.Amount * 1000
		}
		resolved, err := s.lnurl.ResolveAddress(r.Context(), req.LightningAddress, amountMsat)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		request = resolved
	}

	quote, err := s.engine.CreatePayQuote(r.Context(), walletRecord, request, req.Unit)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	result, _, err := s.engine.MeltProofs(r.Context(), walletRecord, quote)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, payResponse{
		Quote:           result.Quote,
		Amount:          result.Amount,
		FeeReserve:      result.FeeReserve,
		State:           result.State.String(),
		PaymentPreimage: result.Preimage,
		Expiry:          result.Expiry,
	})
}

func (s *Server) checkPay(w http.ResponseWriter, r *http.Request) {
	quoteId := mux.Vars(r)["quote"]

	quote, err := s.engine.CheckPayQuote(r.Context(), quoteId)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, payResponse{
		Quote:           quote.Quote,
		Amount:          quote.Amount,
		FeeReserve:      quote.FeeReserve,
		State:           quote.State.String(),
		PaymentPreimage: quote.Preimage,
		Expiry:          quote.Expiry,
	})
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	walletRecord := walletFrom(r)
	proofs, err := s.engine.ReceiveToken(r.Context(), walletRecord, req.Token)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	balance, pending, err := s.engine.Balance(r.Context(), walletRecord.Id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Amount         uint64 `json:"amount"`
		Unit           string `json:"unit"`
		Balance        uint64 `json:"balance"`
		PendingBalance uint64 `json:"pending_balance"`
	}{
		Amount:         proofs.Amount(),
		Unit:           walletRecord.Unit,
		Balance:        balance,
		PendingBalance: pending,
	})
}

func (s *Server) getRate(w http.ResponseWriter, r *http.Request) {
	currency := mux.Vars(r)["currency"]

	rate, err := s.rates.GetRate(r.Context(), currency)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rate)
}
