package audit

import (
	"fmt"
	"strconv"
	"time"
)

// Check statuses.
const (
	CheckPass = "pass"
	CheckFail = "fail"
	CheckWarn = "warn"
)

// Export is the JSON document served by the audit export endpoint and read
// by "ironca audit verify".
type Export struct {
	Entries []Entry `json:"entries"`
}

// CheckResult is the outcome of one verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// VerifyResult summarises Verify. Valid is false when any check failed.
type VerifyResult struct {
	EntryCount int           `json:"entry_count"`
	Valid      bool          `json:"valid"`
	Checks     []CheckResult `json:"checks"`
}

func (r *VerifyResult) add(name, status, detail string) {
	if status == CheckFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, CheckResult{Name: name, Status: status, Detail: detail})
}

// Verify checks an audit chain in order: the genesis anchor, hash links,
// unique and contiguous IDs, and timestamp ordering. Out-of-order
// timestamps only warn, since clock skew happens in legitimate
// deployments.
func Verify(entries []Entry) VerifyResult {
	result := VerifyResult{EntryCount: len(entries), Valid: true}
	if len(entries) == 0 {
		result.add("empty_chain", CheckPass, "no entries to verify")
		return result
	}

	if entries[0].PrevHash == GenesisHash {
		result.add("genesis_anchor", CheckPass, "")
	} else {
		result.add("genesis_anchor", CheckFail,
			fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash))
	}

	chainDetail := fmt.Sprintf("all %d entries link correctly", len(entries))
	chainStatus := CheckPass
	for i := 1; i < len(entries); i++ {
		if want := entries[i-1].Hash(); entries[i].PrevHash != want {
			chainStatus = CheckFail
			chainDetail = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s",
				i, entries[i].ID, entries[i].PrevHash, want)
			break
		}
	}
	result.add("chain_continuity", chainStatus, chainDetail)

	seen := make(map[string]int, len(entries))
	idStatus, idDetail := CheckPass, ""
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			idStatus = CheckFail
			idDetail = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
		if seq, err := strconv.ParseUint(e.ID, 10, 64); err != nil || seq != uint64(i+1) {
			idStatus = CheckFail
			idDetail = fmt.Sprintf("entry %d has id=%s, expected sequence %d", i, e.ID, i+1)
			break
		}
	}
	result.add("sequential_ids", idStatus, idDetail)

	tsStatus, tsDetail := CheckPass, ""
	var prev time.Time
	for i, e := range entries {
		t, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			tsStatus, tsDetail = CheckWarn, "some timestamps could not be parsed"
			continue
		}
		if !prev.IsZero() && t.Before(prev) {
			tsStatus = CheckWarn
			tsDetail = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
			break
		}
		prev = t
	}
	result.add("monotonic_timestamps", tsStatus, tsDetail)

	return result
}
