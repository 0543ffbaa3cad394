package audit

import (
	"crypto/hmac"
	"fmt"
)

const (
	CheckPass = "pass"
	CheckFail = "fail"
	CheckWarn = "warn"
)

type VerifyResult struct {
	EntryCount int           `json:"entry_count"`
	Valid      bool          `json:"valid"`
	Checks     []CheckResult `json:"checks"`
}

type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (r *VerifyResult) add(name, status, detail string) {
	if status == CheckFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, CheckResult{Name: name, Status: status, Detail: detail})
}

// Check returns the named check, if it ran.
func (r VerifyResult) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

// Verify checks that entries, ordered by Seq, form an intact chain. A slice
// that starts mid-chain (an export range or a trimmed buffer) gets a warning
// for the genesis anchor rather than a failure. With a nil key the per-entry
// MAC check is skipped.
func Verify(entries []Entry, key []byte) VerifyResult {
	res := VerifyResult{EntryCount: len(entries), Valid: true}
	if len(entries) == 0 {
		res.add("empty_chain", CheckPass, "no entries to verify")
		return res
	}

	if entries[0].PrevHash == GenesisHash {
		res.add("genesis_anchor", CheckPass, "")
	} else {
		res.add("genesis_anchor", CheckWarn,
			fmt.Sprintf("first entry (seq=%d) continues an earlier chain", entries[0].Seq))
	}

	chainOK := true
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			res.add("chain_continuity", CheckFail,
				fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but entry %d hash is %s",
					i, entries[i].ID, entries[i].PrevHash, i-1, entries[i-1].Hash))
			chainOK = false
			break
		}
		if entries[i].Seq != entries[i-1].Seq+1 {
			res.add("chain_continuity", CheckFail,
				fmt.Sprintf("gap between seq %d and %d", entries[i-1].Seq, entries[i].Seq))
			chainOK = false
			break
		}
	}
	if chainOK {
		res.add("chain_continuity", CheckPass, fmt.Sprintf("all %d entries link correctly", len(entries)))
	}

	seen := make(map[string]int, len(entries))
	dup := ""
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			dup = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	if dup == "" {
		res.add("no_duplicate_ids", CheckPass, "")
	} else {
		res.add("no_duplicate_ids", CheckFail, dup)
	}

	// Out-of-order timestamps are suspicious but can come from clock
	// adjustments, so they only warn.
	monotonic := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			monotonic = fmt.Sprintf("entry %d (%s) precedes entry %d (%s)",
				i, entries[i].Timestamp, i-1, entries[i-1].Timestamp)
			break
		}
	}
	if monotonic == "" {
		res.add("monotonic_timestamps", CheckPass, "")
	} else {
		res.add("monotonic_timestamps", CheckWarn, monotonic)
	}

	if key == nil {
		res.add("entry_mac", CheckWarn, "no key supplied; entry MACs not checked")
		return res
	}
	for i, e := range entries {
		want, err := ComputeHash(key, e)
		if err != nil {
			res.add("entry_mac", CheckFail, fmt.Sprintf("entry %d: %v", i, err))
			return res
		}
		if !hmac.Equal([]byte(want), []byte(e.Hash)) {
			res.add("entry_mac", CheckFail, fmt.Sprintf("entry %d (id=%s) MAC mismatch", i, e.ID))
			return res
		}
	}
	res.add("entry_mac", CheckPass, "")
	return res
}
