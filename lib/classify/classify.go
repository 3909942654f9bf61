// Package classify filters upstream noise and tags raw events with a coarse classification. Classification is a pure
// function: the same raw input always yields the same output, so tests can assert exact results.
package classify

import (
	"strings"

	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/source"
)

// System-level account identifiers. Events touching only these carry no product signal.
const (
	voteProgram    = "Vote111111111111111111111111111111111111111"
	systemProgram  = "11111111111111111111111111111111"
	computeBudget  = "ComputeBudget111111111111111111111111111111"
	sysvarClock    = "SysvarC1ock11111111111111111111111111111111"
	sysvarRent     = "SysvarRent111111111111111111111111111111111"
	stakeProgram   = "Stake11111111111111111111111111111111111111"
	configProgram  = "Config1111111111111111111111111111111111111"
	addressLookups = "AddressLookupTab1e1111111111111111111111111"
)

var systemAccounts = map[string]bool{
	voteProgram:    true,
	systemProgram:  true,
	computeBudget:  true,
	sysvarClock:    true,
	sysvarRent:     true,
	stakeProgram:   true,
	configProgram:  true,
	addressLookups: true,
}

// knownPrograms maps program identifiers to human-readable labels.
var knownPrograms = map[string]string{
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA":  "SPL Token",
	"TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb":  "Token-2022",
	"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL": "Associated Token",
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8": "Raydium AMM",
	"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4":  "Jupiter",
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc":  "Orca Whirlpool",
	"MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr":  "Memo",
	"metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s":  "Metaplex Metadata",
	"ComputeBudget111111111111111111111111111111":  "Compute Budget",
}

// nameHints tags name-bearing vanity deployments whose identifier embeds a recognizable string.
var nameHints = []string{"pump", "bonk", "moon", "inu"}

// Transaction type labels.
const (
	TypeTokenTransfer = "token_transfer"
	TypeProgramCall   = "program_call"
	TypeOther         = "other"
)

// Classify filters and tags a raw upstream event. The second return is false when the event is noise and must be
// dropped. Block and account-change events pass through with their payload copied; transaction events are checked
// against the noise rules first.
func Classify(raw source.RawEvent) (event.Event, bool) {
	ev := event.Event{
		Kind: raw.Kind,
		TS:   raw.TS,
		Data: event.Payload{
			Signature:   raw.Signature,
			Slot:        raw.Slot,
			Logs:        raw.Logs,
			Err:         raw.Err,
			Fee:         raw.Fee,
			AccountKeys: raw.AccountKeys,
		},
	}

	if raw.Kind != event.KindTransaction {
		return ev, true
	}

	// rule 1: pure consensus/voting artifacts
	if isVote(raw) {
		return event.Event{}, false
	}

	// rule 2: only system infrastructure accounts involved
	if systemOnly(raw.AccountKeys) {
		return event.Event{}, false
	}

	ev.Data.KnownProgram = knownProgram(raw.AccountKeys)
	ev.Data.TransactionType = transactionType(raw.Logs)

	return ev, true
}

func isVote(raw source.RawEvent) bool {
	for _, l := range raw.Logs {
		if strings.Contains(l, voteProgram) {
			return true
		}
	}

	for _, a := range raw.AccountKeys {
		if a == voteProgram {
			return true
		}
	}

	return false
}

func systemOnly(accounts []string) bool {
	if len(accounts) == 0 {
		return false
	}

	for _, a := range accounts {
		if !systemAccounts[a] {
			return false
		}
	}

	return true
}

// knownProgram returns the label of the first involved account matching the program registry, or a name hint found in
// a vanity identifier. Accounts are scanned in payload order so the result is deterministic.
func knownProgram(accounts []string) string {
	for _, a := range accounts {
		if name, ok := knownPrograms[a]; ok {
			return name
		}
	}

	for _, a := range accounts {
		low := strings.ToLower(a)
		for _, hint := range nameHints {
			if strings.Contains(low, hint) {
				return "vanity:" + hint
			}
		}
	}

	return ""
}

func transactionType(logs []string) string {
	var invoked bool

	for _, l := range logs {
		if strings.Contains(l, "Instruction: Transfer") || strings.Contains(l, "Instruction: TransferChecked") {
			return TypeTokenTransfer
		}

		if strings.Contains(l, " invoke [") && !strings.Contains(l, systemProgram) {
			invoked = true
		}
	}

	if invoked {
		return TypeProgramCall
	}

	return TypeOther
}
