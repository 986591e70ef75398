package session

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/voidswap/voidswap/protocols/swap"
)

// Snapshot is the operator-facing summary of a session, written out at
// the end of a run for post-hoc reconciliation. It carries no secret
// material.
type Snapshot struct {
	Role                string            `json:"role"`
	Phase               string            `json:"phase"`
	SID                 string            `json:"sid,omitempty"`
	TranscriptPost      string            `json:"transcriptPost"`
	TranscriptCombined  string            `json:"transcriptCombined"`
	MpcA                *swap.MpcResult   `json:"mpcA,omitempty"`
	MpcB                *swap.MpcResult   `json:"mpcB,omitempty"`
	DigestA             string            `json:"digestA,omitempty"`
	DigestB             string            `json:"digestB,omitempty"`
	CommitHash          string            `json:"commitHash,omitempty"`
	RoleAction          string            `json:"roleAction,omitempty"`
	Broadcasts          map[string]string `json:"broadcasts,omitempty"`
	AbortCode           string            `json:"abortCode,omitempty"`
	AbortMessage        string            `json:"abortMessage,omitempty"`
	LastAcceptedType    string            `json:"lastAcceptedType,omitempty"`
	LastAcceptedSeq     uint64            `json:"lastAcceptedSeq,omitempty"`
	LastAcceptedFrom    string            `json:"lastAcceptedFrom,omitempty"`
}

// Snapshot captures the current session summary.
func (r *Runtime) Snapshot() (Snapshot, error) {
	post, err := r.TranscriptPostHex()
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: snapshot: %w", err)
	}
	combined, err := r.TranscriptCombinedHex()
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: snapshot: %w", err)
	}
	s := Snapshot{
		Role:               string(r.role),
		Phase:              r.phase.String(),
		TranscriptPost:     post,
		TranscriptCombined: combined,
	}
	if r.locked {
		s.SID = swap.BareHex32(r.sid)
	}
	if r.mpcA.Address != "" {
		a, b := r.mpcA, r.mpcB
		s.MpcA, s.MpcB = &a, &b
	}
	if r.templates != nil {
		s.DigestA = r.templates.DigestAHex()
		s.DigestB = r.templates.DigestBHex()
		s.CommitHash = r.commitHash
	}
	s.RoleAction = r.roleAction
	if len(r.broadcasts) > 0 {
		s.Broadcasts = make(map[string]string, len(r.broadcasts))
		for leg, hash := range r.broadcasts {
			s.Broadcasts[string(leg)] = hash
		}
	}
	if r.phase == PhaseAborted {
		s.AbortCode = string(r.abortCode)
		s.AbortMessage = r.abortMessage
	}
	if r.lastAccepted != nil {
		s.LastAcceptedType = r.lastAccepted.Type
		s.LastAcceptedSeq = r.lastAccepted.Seq
		s.LastAcceptedFrom = string(r.lastAccepted.From)
	}
	return s, nil
}

// EncodeJSON renders the snapshot for human inspection.
func (s Snapshot) EncodeJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// EncodeCBOR renders the snapshot in the compact archival form.
func (s Snapshot) EncodeCBOR() ([]byte, error) {
	return cbor.Marshal(s)
}

// DecodeSnapshotCBOR reads an archived snapshot.
func DecodeSnapshotCBOR(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("session: decode snapshot: %w", err)
	}
	return s, nil
}
