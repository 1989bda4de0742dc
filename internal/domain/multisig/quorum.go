package multisig

// QuorumSatisfied decides whether the collected signatures satisfy the
// requirement snapshot. It is deterministic and side-effect-free; the
// lifecycle engine invokes it on every sign and on execute.
//
// With RequireAllSigners the count branch demands every signer in the
// snapshot set (overriding MinSignatures, even when the two conflict — the
// stricter reading wins by documented behavior, it is not an error).
// RequireOwnerSignature is ANDed with the count branch.
func QuorumSatisfied(req Requirement, sigs []Signature) bool {
	if req.RequireAllSigners {
		for _, signer := range req.Signers {
			if !signedBy(sigs, signer) {
				return false
			}
		}
	} else if len(sigs) < req.MinSignatures {
		return false
	}

	if req.RequireOwnerSignature && !signedBy(sigs, req.Owner) {
		return false
	}
	return true
}

func signedBy(sigs []Signature, signer string) bool {
	for _, sig := range sigs {
		if sig.Signer == signer {
			return true
		}
	}
	return false
}
