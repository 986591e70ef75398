package swap

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/cronokirby/saferith"
)

// ParseWei parses a non-negative decimal string in smallest chain units.
// Signs are rejected outright; the strings preserve arbitrary precision.
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if s[0] == '+' || s[0] == '-' {
		return nil, fmt.Errorf("amount %q carries a sign", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, fmt.Errorf("amount %q is not a decimal string", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal string", s)
	}
	return v, nil
}

// WeiCovers reports whether have >= want. Both operands are parsed as
// naturals, so sign handling cannot creep in.
func WeiCovers(have, want string) (bool, error) {
	h, err := ParseWei(have)
	if err != nil {
		return false, err
	}
	w, err := ParseWei(want)
	if err != nil {
		return false, err
	}
	bits := h.BitLen()
	if w.BitLen() > bits {
		bits = w.BitLen()
	}
	if bits == 0 {
		bits = 1
	}
	hn := new(saferith.Nat).SetBig(h, bits)
	wn := new(saferith.Nat).SetBig(w, bits)
	gt, eq, _ := hn.Cmp(wn)
	return gt == 1 || eq == 1, nil
}
