package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"swapsettle/native/settlement"
)

// Wire representations. Addresses and byte strings travel as 0x-prefixed hex;
// amounts travel as decimal strings so callers never lose precision.

type PermitPayload struct {
	Kind     string `json:"kind"`
	Payload  string `json:"payload,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Deadline int64  `json:"deadline,omitempty"`
}

type OrderIntentPayload struct {
	QuoteID      string        `json:"quoteId"`
	User         string        `json:"user"`
	Receiver     string        `json:"receiver"`
	AssetIn      string        `json:"assetIn"`
	AssetOut     string        `json:"assetOut"`
	AmountIn     string        `json:"amountIn"`
	MinAmountOut string        `json:"minAmountOut"`
	Deadline     int64         `json:"deadline"`
	Nonce        uint64        `json:"nonce"`
	Permit       PermitPayload `json:"permit"`
	PlanHash     string        `json:"planHash"`
	CallValue    string        `json:"callValue"`
	GasEstimate  uint64        `json:"gasEstimate,omitempty"`
	Signature    string        `json:"signature"`
}

type InteractionPayload struct {
	Target   string `json:"target"`
	Value    string `json:"value,omitempty"`
	CallData string `json:"callData,omitempty"`
}

type PlanPayload struct {
	Pre  []InteractionPayload `json:"pre,omitempty"`
	Main []InteractionPayload `json:"main,omitempty"`
	Post []InteractionPayload `json:"post,omitempty"`
}

type InteractionReceiptResult struct {
	Phase  string `json:"phase"`
	Index  int    `json:"index"`
	Target string `json:"target"`
	Value  string `json:"value"`
}

type ReceiptResult struct {
	QuoteID      string                     `json:"quoteId"`
	AmountOut    string                     `json:"amountOut"`
	Fee          string                     `json:"fee"`
	NativeSpent  string                     `json:"nativeSpent"`
	NativeRefund string                     `json:"nativeRefund"`
	Interactions []InteractionReceiptResult `json:"interactions"`
}

type PolicyResult struct {
	RestrictRelayers bool     `json:"restrictRelayers"`
	TrustedRelayers  []string `json:"trustedRelayers"`
	RestrictTargets  bool     `json:"restrictTargets"`
	AllowedTargets   []string `json:"allowedTargets"`
	FeeRecipient     string   `json:"feeRecipient,omitempty"`
	FeeBps           uint32   `json:"feeBps"`
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseAddressAllowEmpty treats an empty string as the zero address, used
// where zero is a meaningful "unset" value (fee recipient).
func parseAddressAllowEmpty(field, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, raw)
}

func parseBig(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s amount %q", field, raw)
	}
	return value, nil
}

func parseHexBytes(field, raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s hex: %v", field, err)
	}
	return decoded, nil
}

func parseHash(field, raw string) (common.Hash, error) {
	decoded, err := parseHexBytes(field, raw)
	if err != nil {
		return common.Hash{}, err
	}
	if len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid %s: want 32 bytes, got %d", field, len(decoded))
	}
	return common.BytesToHash(decoded), nil
}

func parsePermitKind(raw string) (settlement.PermitKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return settlement.PermitNone, nil
	case "approval":
		return settlement.PermitStandardApproval, nil
	case "eip2612":
		return settlement.PermitEIP2612, nil
	case "eip3009":
		return settlement.PermitEIP3009, nil
	case "custom":
		return settlement.PermitCustom, nil
	default:
		return 0, fmt.Errorf("unknown permit kind %q", raw)
	}
}

func decodeIntent(payload *OrderIntentPayload) (*settlement.OrderIntent, error) {
	quoteRaw, err := parseHexBytes("quoteId", payload.QuoteID)
	if err != nil {
		return nil, err
	}
	if len(quoteRaw) != 32 {
		return nil, fmt.Errorf("invalid quoteId: want 32 bytes, got %d", len(quoteRaw))
	}
	intent := &settlement.OrderIntent{
		Deadline:    payload.Deadline,
		Nonce:       payload.Nonce,
		GasEstimate: payload.GasEstimate,
	}
	copy(intent.QuoteID[:], quoteRaw)

	if intent.User, err = parseAddress("user", payload.User); err != nil {
		return nil, err
	}
	if intent.Receiver, err = parseAddress("receiver", payload.Receiver); err != nil {
		return nil, err
	}
	if intent.AssetIn, err = parseAddress("assetIn", payload.AssetIn); err != nil {
		return nil, err
	}
	if intent.AssetOut, err = parseAddress("assetOut", payload.AssetOut); err != nil {
		return nil, err
	}
	if intent.AmountIn, err = parseBig("amountIn", payload.AmountIn); err != nil {
		return nil, err
	}
	if intent.MinAmountOut, err = parseBig("minAmountOut", payload.MinAmountOut); err != nil {
		return nil, err
	}
	if intent.CallValue, err = parseBig("callValue", payload.CallValue); err != nil {
		return nil, err
	}
	if intent.PlanHash, err = parseHash("planHash", payload.PlanHash); err != nil {
		return nil, err
	}
	if intent.Signature, err = parseHexBytes("signature", payload.Signature); err != nil {
		return nil, err
	}

	kind, err := parsePermitKind(payload.Permit.Kind)
	if err != nil {
		return nil, err
	}
	permitPayload, err := parseHexBytes("permit payload", payload.Permit.Payload)
	if err != nil {
		return nil, err
	}
	permitAmount, err := parseBig("permit", payload.Permit.Amount)
	if err != nil {
		return nil, err
	}
	intent.Permit = settlement.PermitData{
		Kind:     kind,
		Payload:  permitPayload,
		Amount:   permitAmount,
		Deadline: payload.Permit.Deadline,
	}
	return intent, nil
}

func decodeInteractions(field string, payloads []InteractionPayload) ([]settlement.Interaction, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	out := make([]settlement.Interaction, 0, len(payloads))
	for i, p := range payloads {
		target, err := parseAddress(fmt.Sprintf("%s[%d] target", field, i), p.Target)
		if err != nil {
			return nil, err
		}
		value, err := parseBig(fmt.Sprintf("%s[%d] value", field, i), p.Value)
		if err != nil {
			return nil, err
		}
		callData, err := parseHexBytes(fmt.Sprintf("%s[%d] callData", field, i), p.CallData)
		if err != nil {
			return nil, err
		}
		out = append(out, settlement.Interaction{Target: target, Value: value, CallData: callData})
	}
	return out, nil
}

func decodePlan(payload *PlanPayload) (*settlement.ExecutionPlan, error) {
	pre, err := decodeInteractions("pre", payload.Pre)
	if err != nil {
		return nil, err
	}
	main, err := decodeInteractions("main", payload.Main)
	if err != nil {
		return nil, err
	}
	post, err := decodeInteractions("post", payload.Post)
	if err != nil {
		return nil, err
	}
	return &settlement.ExecutionPlan{Pre: pre, Main: main, Post: post}, nil
}

func encodeReceipt(receipt *settlement.Receipt) *ReceiptResult {
	out := &ReceiptResult{
		QuoteID:      "0x" + hex.EncodeToString(receipt.QuoteID[:]),
		AmountOut:    receipt.AmountOut.String(),
		Fee:          receipt.Fee.String(),
		NativeSpent:  receipt.NativeSpent.String(),
		NativeRefund: receipt.NativeRefund.String(),
	}
	for _, ir := range receipt.Interactions {
		out.Interactions = append(out.Interactions, InteractionReceiptResult{
			Phase:  ir.Phase,
			Index:  ir.Index,
			Target: ir.Target.Hex(),
			Value:  ir.Value.String(),
		})
	}
	return out
}

func encodePolicy(policy *settlement.Policy) *PolicyResult {
	out := &PolicyResult{
		RestrictRelayers: policy.RestrictRelayers,
		RestrictTargets:  policy.RestrictTargets,
		FeeBps:           policy.FeeBps,
	}
	if policy.FeeRecipient != (common.Address{}) {
		out.FeeRecipient = policy.FeeRecipient.Hex()
	}
	for addr, ok := range policy.TrustedRelayers {
		if ok {
			out.TrustedRelayers = append(out.TrustedRelayers, addr.Hex())
		}
	}
	for addr, ok := range policy.AllowedTargets {
		if ok {
			out.AllowedTargets = append(out.AllowedTargets, addr.Hex())
		}
	}
	sort.Strings(out.TrustedRelayers)
	sort.Strings(out.AllowedTargets)
	return out
}
