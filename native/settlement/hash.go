package settlement

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	repocrypto "swapsettle/crypto"
)

// HashExecutionPlan produces the canonical digest binding a signed intent to
// the plan that actually executes. The encoding is order sensitive: a 96-byte
// header of the three phase lengths, then for every interaction (pre, main,
// post, in list order) the packed target word, value word, and payload hash.
// Moving an interaction across a phase boundary changes the header, so the
// digest of an empty plan is keccak over 96 zero bytes — fixed and non-zero.
func HashExecutionPlan(plan *ExecutionPlan) common.Hash {
	var pre, main, post []Interaction
	if plan != nil {
		pre, main, post = plan.Pre, plan.Main, plan.Post
	}

	buf := make([]byte, 0, 96+96*(len(pre)+len(main)+len(post)))
	for _, count := range []uint64{uint64(len(pre)), uint64(len(main)), uint64(len(post))} {
		word := repocrypto.EncodeUint64(count)
		buf = append(buf, word[:]...)
	}
	for _, phase := range [][]Interaction{pre, main, post} {
		for _, interaction := range phase {
			target := repocrypto.EncodeAddress(interaction.Target)
			value := repocrypto.EncodeUint256(interaction.Value)
			buf = append(buf, target[:]...)
			buf = append(buf, value[:]...)
			buf = append(buf, ethcrypto.Keccak256(interaction.CallData)...)
		}
	}
	return ethcrypto.Keccak256Hash(buf)
}
