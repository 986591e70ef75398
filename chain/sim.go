package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/voidswap/voidswap/pkg/hashing"
)

// TxRecord is one transaction as the simulator saw it. Execution records
// additionally carry the planned signing digest and the published final
// signature, which is what the counterparty observes to extract the
// adaptor secret.
type TxRecord struct {
	Hash     string
	From     string
	To       string
	ValueWei *big.Int
	Nonce    uint64
	Gas      uint64
	Digest   string
	FinalSig []byte
	Block    uint64
}

// Confirmed reports whether the record was mined.
func (r *TxRecord) Confirmed() bool { return r.Block > 0 }

// Sim is an in-memory chain: per-account nonces, a head counter, and a
// transaction store. It satisfies Reader and is safe for concurrent use.
type Sim struct {
	mu      sync.Mutex
	head    uint64
	nonces  map[string]uint64
	records map[string]*TxRecord
	counter uint64
}

// NewSim starts an empty chain at block 1.
func NewSim() *Sim {
	return &Sim{
		head:    1,
		nonces:  make(map[string]uint64),
		records: make(map[string]*TxRecord),
	}
}

// SubmitTransfer records a plain value transfer (the funding legs) and
// returns its record. The transaction stays unmined until MineBlock.
func (s *Sim) SubmitTransfer(from, to string, value *big.Int) *TxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, to = strings.ToLower(from), strings.ToLower(to)
	rec := &TxRecord{
		From:     from,
		To:       to,
		ValueWei: new(big.Int).Set(value),
		Nonce:    s.nonces[from],
		Gas:      21000,
	}
	rec.Hash = s.hashRecord(rec)
	s.nonces[from]++
	s.records[rec.Hash] = rec
	return rec
}

// SubmitExecution records the broadcast of a planned execution template
// together with its published final signature. The sender's nonce must
// match the template's.
func (s *Sim) SubmitExecution(tx *types.Transaction, from, digest string, finalSig []byte) (*TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = strings.ToLower(from)
	if tx.To() == nil {
		return nil, fmt.Errorf("chain: execution tx without recipient")
	}
	if got, want := tx.Nonce(), s.nonces[from]; got != want {
		return nil, fmt.Errorf("chain: nonce %d for %s, chain expects %d", got, from, want)
	}
	rec := &TxRecord{
		From:     from,
		To:       strings.ToLower(tx.To().Hex()),
		ValueWei: new(big.Int).Set(tx.Value()),
		Nonce:    tx.Nonce(),
		Gas:      tx.Gas(),
		Digest:   digest,
		FinalSig: append([]byte(nil), finalSig...),
	}
	rec.Hash = s.hashRecord(rec)
	s.nonces[from]++
	s.records[rec.Hash] = rec
	return rec, nil
}

// MineBlock advances the head, including every pending transaction, and
// returns the new height.
func (s *Sim) MineBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head++
	for _, rec := range s.records {
		if rec.Block == 0 {
			rec.Block = s.head
		}
	}
	return s.head
}

// Record looks one transaction up by hash.
func (s *Sim) Record(txHash string) (*TxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strings.ToLower(txHash)]
	return rec, ok
}

// NonceAt implements Reader.
func (s *Sim) NonceAt(_ context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[strings.ToLower(address)], nil
}

// BlockNumber implements Reader.
func (s *Sim) BlockNumber(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// Confirmations implements Reader.
func (s *Sim) Confirmations(_ context.Context, txHash string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strings.ToLower(txHash)]
	if !ok || rec.Block == 0 {
		return 0, nil
	}
	return s.head - rec.Block + 1, nil
}

func (s *Sim) hashRecord(rec *TxRecord) string {
	s.counter++
	var nonce, counter [8]byte
	binary.BigEndian.PutUint64(nonce[:], rec.Nonce)
	binary.BigEndian.PutUint64(counter[:], s.counter)
	h := hashing.Tagged("voidswap/sim/tx/",
		[]byte(rec.From), []byte(rec.To), rec.ValueWei.Bytes(), nonce[:], counter[:])
	return fmt.Sprintf("0x%x", h[:])
}
