package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/sessionguard/internal/util"
)

// GenesisHash is the PrevHash of the first entry ever written.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// MasterKeySize is the required length of the master key in bytes.
const MasterKeySize = 32

const (
	chainKeyInfo  = "sessionguard:audit-chain:v1"
	exportKeyInfo = "sessionguard:audit-export:v1"
)

var (
	ErrMissingKey = errors.New("audit: master key is required")
	ErrInvalidKey = errors.New("audit: master key must be 32 bytes")
)

// Keys holds the subkeys derived from the master key, each sealed in its own
// enclave.
type Keys struct {
	chain  *memguard.Enclave
	export *memguard.Enclave
}

// NewKeys derives the chain and export keys from a sealed master key.
func NewKeys(master *memguard.Enclave) (*Keys, error) {
	if master == nil {
		return nil, ErrMissingKey
	}
	buf, err := master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key: %w", err)
	}
	defer buf.Destroy()
	return DeriveKeys(buf.Bytes())
}

// DeriveKeys derives the chain and export keys from raw master key bytes.
// The caller keeps ownership of master.
func DeriveKeys(master []byte) (*Keys, error) {
	if len(master) == 0 {
		return nil, ErrMissingKey
	}
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKey, len(master))
	}
	chainKey, err := util.HKDF(master, nil, []byte(chainKeyInfo))
	if err != nil {
		return nil, fmt.Errorf("deriving chain key: %w", err)
	}
	exportKey, err := util.HKDF(master, nil, []byte(exportKeyInfo))
	if err != nil {
		util.WipeBytes(chainKey)
		return nil, fmt.Errorf("deriving export key: %w", err)
	}
	// NewEnclave wipes its argument.
	return &Keys{
		chain:  memguard.NewEnclave(chainKey),
		export: memguard.NewEnclave(exportKey),
	}, nil
}

func withKey(e *memguard.Enclave, fn func(key []byte) error) error {
	buf, err := e.Open()
	if err != nil {
		return fmt.Errorf("opening key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// chainedFields is the canonical form covered by an entry's hash.
type chainedFields struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Timestamp  string            `json:"timestamp"`
	EventType  EventType         `json:"event_type"`
	SubjectID  string            `json:"subject_id"`
	ResourceID string            `json:"resource_id"`
	Outcome    Outcome           `json:"outcome"`
	RiskLevel  RiskLevel         `json:"risk_level"`
	Details    map[string]string `json:"details"`
	PrevHash   string            `json:"prev_hash"`
}

func canonical(e Entry) ([]byte, error) {
	details := e.Details
	if len(details) == 0 {
		details = nil
	}
	return json.Marshal(chainedFields{
		ID:         e.ID,
		Seq:        e.Seq,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:  e.EventType,
		SubjectID:  e.SubjectID,
		ResourceID: e.ResourceID,
		Outcome:    e.Outcome,
		RiskLevel:  e.RiskLevel,
		Details:    details,
		PrevHash:   e.PrevHash,
	})
}

// ComputeHash returns hex(HMAC-SHA256(key, canonical(e))). The entry's
// existing Hash field is ignored.
func ComputeHash(key []byte, e Entry) (string, error) {
	data, err := canonical(e)
	if err != nil {
		return "", fmt.Errorf("encoding entry: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (k *Keys) hashEntry(e Entry) (string, error) {
	var out string
	err := withKey(k.chain, func(key []byte) error {
		h, err := ComputeHash(key, e)
		out = h
		return err
	})
	return out, err
}

// exportSignature covers the range, the generation time and every entry hash
// in order.
func exportSignature(key []byte, x Export) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s|%s|%s|%d|",
		x.Range.From.UTC().Format(time.RFC3339Nano),
		x.Range.To.UTC().Format(time.RFC3339Nano),
		x.GeneratedAt.UTC().Format(time.RFC3339Nano),
		len(x.Entries))
	for _, e := range x.Entries {
		mac.Write([]byte(e.Hash))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func (k *Keys) signExport(x Export) (string, error) {
	var sig string
	err := withKey(k.export, func(key []byte) error {
		sig = exportSignature(key, x)
		return nil
	})
	return sig, err
}

// VerifySignature checks an export bundle's signature.
func (k *Keys) VerifySignature(x Export) (bool, error) {
	var ok bool
	err := withKey(k.export, func(key []byte) error {
		want := exportSignature(key, x)
		ok = hmac.Equal([]byte(want), []byte(x.Signature))
		return nil
	})
	return ok, err
}

// Verify checks entries with the chain key held in k.
func (k *Keys) Verify(entries []Entry) VerifyResult {
	var res VerifyResult
	err := withKey(k.chain, func(key []byte) error {
		res = Verify(entries, key)
		return nil
	})
	if err != nil {
		return VerifyResult{EntryCount: len(entries), Checks: []CheckResult{{
			Name: "entry_mac", Status: CheckFail, Detail: err.Error(),
		}}}
	}
	return res
}
