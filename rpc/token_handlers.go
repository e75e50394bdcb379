package rpc

import (
	"encoding/json"
	"net/http"
)

type balanceParams struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single balance query object", nil)
		return
	}
	var params balanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid balance query", err.Error())
		return
	}
	asset, err := parseAddress("asset", params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	account, err := parseAddress("account", params.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	balance, err := s.ledger.BalanceOf(asset, account)
	if err != nil {
		writeError(w, http.StatusOK, req.ID, codeServerError, "balance lookup failed", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]string{
		"asset":   asset.Hex(),
		"account": account.Hex(),
		"balance": balance.String(),
	})
}

type allowanceParams struct {
	Asset   string `json:"asset"`
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
}

func (s *Server) handleTokenAllowance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single allowance query object", nil)
		return
	}
	var params allowanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid allowance query", err.Error())
		return
	}
	asset, err := parseAddress("asset", params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	spender, err := parseAddress("spender", params.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	allowance, err := s.ledger.Allowance(asset, owner, spender)
	if err != nil {
		writeError(w, http.StatusOK, req.ID, codeServerError, "allowance lookup failed", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]string{"allowance": allowance.String()})
}

type nativeBalanceParams struct {
	Account string `json:"account"`
}

func (s *Server) handleNativeBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single account object", nil)
		return
	}
	var params nativeBalanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid account query", err.Error())
		return
	}
	account, err := parseAddress("account", params.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	balance, err := s.ledger.NativeBalance(account)
	if err != nil {
		writeError(w, http.StatusOK, req.ID, codeServerError, "native balance lookup failed", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
}
