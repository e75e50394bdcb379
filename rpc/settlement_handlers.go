package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"swapsettle/native/settlement"
)

type executeOrderParams struct {
	Relayer   string             `json:"relayer"`
	Intent    OrderIntentPayload `json:"intent"`
	Plan      PlanPayload        `json:"plan"`
	CallValue string             `json:"callValue"`
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single execute order object", nil)
		return
	}
	var params executeOrderParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid execute order payload", err.Error())
		return
	}
	relayer, err := parseAddress("relayer", params.Relayer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	intent, err := decodeIntent(&params.Intent)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	plan, err := decodePlan(&params.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	callValue, err := parseBig("callValue", params.CallValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}

	s.mutateMu.Lock()
	receipt, err := s.engine.ExecuteOrder(relayer, intent, plan, callValue)
	if err != nil {
		s.mutateMu.Unlock()
		s.log.Warn("settlement rejected",
			"quoteId", params.Intent.QuoteID,
			"user", params.Intent.User,
			"relayer", params.Relayer,
			"reason", settlement.FailureReason(err),
		)
		writeError(w, http.StatusOK, req.ID, codeServerError, "settlement failed", settlement.FailureReason(err))
		return
	}
	commitErr := s.commit()
	s.mutateMu.Unlock()
	if commitErr != nil {
		s.log.Error("state commit failed", "error", commitErr)
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to persist settlement", commitErr.Error())
		return
	}
	s.log.Info("settlement executed",
		"quoteId", params.Intent.QuoteID,
		"user", params.Intent.User,
		"amountOut", receipt.AmountOut.String(),
		"fee", receipt.Fee.String(),
	)
	writeResult(w, req.ID, encodeReceipt(receipt))
}

type invalidateNonceParams struct {
	User      string `json:"user"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

func (s *Server) handleInvalidateNonce(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single invalidation object", nil)
		return
	}
	var params invalidateNonceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid invalidation payload", err.Error())
		return
	}
	user, err := parseAddress("user", params.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	sig, err := parseHexBytes("signature", params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	s.mutateMu.Lock()
	if err := s.engine.InvalidateNonce(user, params.Nonce, sig); err != nil {
		s.mutateMu.Unlock()
		writeError(w, http.StatusOK, req.ID, codeServerError, "nonce invalidation failed", err.Error())
		return
	}
	commitErr := s.commit()
	s.mutateMu.Unlock()
	if commitErr != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to persist invalidation", commitErr.Error())
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"user":  user.Hex(),
		"nonce": params.Nonce,
		"used":  true,
	})
}

func (s *Server) handleHashPlan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single plan object", nil)
		return
	}
	var payload PlanPayload
	if err := json.Unmarshal(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid plan payload", err.Error())
		return
	}
	plan, err := decodePlan(&payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, settlement.HashExecutionPlan(plan).Hex())
}

func (s *Server) handleDomainSeparator(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, map[string]string{
		"domainSeparator": s.engine.DomainSeparator().Hex(),
		"engine":          s.engine.Address().Hex(),
	})
}

type nonceQueryParams struct {
	User  string `json:"user"`
	Nonce uint64 `json:"nonce"`
}

func (s *Server) handleIsNonceUsed(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single nonce query object", nil)
		return
	}
	var params nonceQueryParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid nonce query", err.Error())
		return
	}
	user, err := parseAddress("user", params.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	used, err := s.engine.IsNonceUsed(user, params.Nonce)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "nonce lookup failed", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"used": used})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, encodePolicy(s.engine.Policy()))
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.feed == nil {
		writeResult(w, req.ID, []interface{}{})
		return
	}
	writeResult(w, req.ID, s.feed.Records())
}

type adminParams struct {
	Restricted   bool   `json:"restricted,omitempty"`
	Relayer      string `json:"relayer,omitempty"`
	Target       string `json:"target,omitempty"`
	Trusted      bool   `json:"trusted,omitempty"`
	Allowed      bool   `json:"allowed,omitempty"`
	FeeRecipient string `json:"feeRecipient,omitempty"`
	FeeBps       uint32 `json:"feeBps,omitempty"`
}

// handleAdmin applies a policy mutation with the engine owner's authority;
// requireAdmin has already authenticated the caller.
func (s *Server) handleAdmin(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single admin object", nil)
		return
	}
	var params adminParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid admin payload", err.Error())
		return
	}

	owner := s.engine.Owner()
	var err error
	switch req.Method {
	case "settlement_setRelayerRestriction":
		err = s.engine.SetRelayerRestriction(owner, params.Restricted)
	case "settlement_setRelayerTrust":
		var relayer = params.Relayer
		addr, parseErr := parseAddress("relayer", relayer)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, parseErr.Error(), nil)
			return
		}
		err = s.engine.SetRelayerTrust(owner, addr, params.Trusted)
	case "settlement_setTargetRestriction":
		err = s.engine.SetTargetRestriction(owner, params.Restricted)
	case "settlement_setTargetAllowed":
		addr, parseErr := parseAddress("target", params.Target)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, parseErr.Error(), nil)
			return
		}
		err = s.engine.SetTargetAllowed(owner, addr, params.Allowed)
	case "settlement_setFeePolicy":
		var recipient = params.FeeRecipient
		addr, parseErr := parseAddressAllowEmpty("feeRecipient", recipient)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, parseErr.Error(), nil)
			return
		}
		err = s.engine.SetFeePolicy(owner, addr, params.FeeBps)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	if err != nil {
		code := codeServerError
		if errors.Is(err, settlement.ErrFeeRateTooHigh) || errors.Is(err, settlement.ErrFeeRecipientRequired) {
			code = codeInvalidParams
		}
		writeError(w, http.StatusOK, req.ID, code, "policy update failed", err.Error())
		return
	}
	writeResult(w, req.ID, encodePolicy(s.engine.Policy()))
}
