// Package naming converts simulated device identifiers such as
// "mv2plus-r22-9-05" to and from the compact integer used as their VLAN ID.
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

const (
	// MinHash is the value of the smallest identifier, "mv1-r21-7".
	MinHash = 1001
	// MaxHash is the value of the largest identifier, "mv3-r22-20-09".
	MaxHash = 3130

	// maxIndex is the largest index suffix that packs without carrying
	// into the customer digit.
	maxIndex = 9
)

var (
	// ErrInvalidIdentifier is returned when a string is outside the device naming grammar.
	ErrInvalidIdentifier = errors.New("invalid device identifier")
	// ErrInvalidHash is returned when an integer does not unpack to a device identifier.
	ErrInvalidHash = errors.New("invalid device hash")
)

var (
	families  = []string{"mv1", "mv2plus", "mv3"}
	releases  = []string{"r21", "r22"}
	customers = []string{"7", "9", "20"}

	identifierPattern = regexp.MustCompile(`^(mv1|mv2plus|mv3)-(r21|r22)-(7|9|20)(-(0[1-9]|[1-9][0-9]))?$`)

	// Loose shape used by Encode so each field can be reported on its own.
	encodePattern = regexp.MustCompile(`^([a-z0-9]+)-([a-z0-9]+)-([0-9]+)(?:-([0-9]{1,3}))?$`)
)

// IdentifierError reports which field of an identifier was rejected.
type IdentifierError struct {
	Input string
	Field string
}

func (e *IdentifierError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s %q", ErrInvalidIdentifier, e.Input)
	}
	return fmt.Sprintf("%s %q: bad %s", ErrInvalidIdentifier, e.Input, e.Field)
}

func (e *IdentifierError) Unwrap() error { return ErrInvalidIdentifier }

// HashError reports which unpacked field of a hash was out of range.
type HashError struct {
	Hash  int
	Field string
}

func (e *HashError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s %d: outside [%d, %d]", ErrInvalidHash, e.Hash, MinHash, MaxHash)
	}
	return fmt.Sprintf("%s %d: %s out of range", ErrInvalidHash, e.Hash, e.Field)
}

func (e *HashError) Unwrap() error { return ErrInvalidHash }

// Validate reports whether s matches the device naming grammar exactly.
func Validate(s string) bool {
	return identifierPattern.MatchString(s)
}

// Encode packs an identifier into its hash:
//
//	family*1000 + release*100 + customer*10 + index + 1
//
// The index may be written with one to three digits but must be 1..9;
// larger values would carry into the customer digit and collide with
// another identifier.
func Encode(s string) (int, error) {
	m := encodePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &IdentifierError{Input: s}
	}

	family := indexOf(families, m[1])
	if family < 0 {
		return 0, &IdentifierError{Input: s, Field: "family"}
	}
	release := indexOf(releases, m[2])
	if release < 0 {
		return 0, &IdentifierError{Input: s, Field: "release"}
	}
	customer := indexOf(customers, m[3])
	if customer < 0 {
		return 0, &IdentifierError{Input: s, Field: "customer"}
	}

	index := 0
	if m[4] != "" {
		n, err := strconv.Atoi(m[4])
		if err != nil || n < 1 || n > maxIndex {
			return 0, &IdentifierError{Input: s, Field: "index"}
		}
		index = n
	}

	return pack(family+1, release, customer, index), nil
}

// EncodeLegacy is Encode with the historical -1 sentinel instead of an error.
func EncodeLegacy(s string) int {
	h, err := Encode(s)
	if err != nil {
		return -1
	}
	return h
}

// Decode unpacks a hash into its canonical identifier. The index segment
// is omitted when zero and otherwise zero-padded to two digits.
func Decode(h int) (string, error) {
	if h < MinHash || h > MaxHash {
		return "", &HashError{Hash: h}
	}

	v := h - 1
	family := v / 1000
	release := v % 1000 / 100
	customer := v % 100 / 10
	index := v % 10

	switch {
	case family < 1 || family > len(families):
		return "", &HashError{Hash: h, Field: "family"}
	case release >= len(releases):
		return "", &HashError{Hash: h, Field: "release"}
	case customer >= len(customers):
		return "", &HashError{Hash: h, Field: "customer"}
	}

	return format(family-1, release, customer, index), nil
}

// Canonical returns the form Decode produces for s.
func Canonical(s string) (string, error) {
	h, err := Encode(s)
	if err != nil {
		return "", err
	}
	return Decode(h)
}

// All lists every identifier Encode accepts, in canonical form and hash order.
func All() []string {
	out := make([]string, 0, len(families)*len(releases)*len(customers)*(maxIndex+1))
	for f := range families {
		for r := range releases {
			for c := range customers {
				for i := 0; i <= maxIndex; i++ {
					out = append(out, format(f, r, c, i))
				}
			}
		}
	}
	return out
}

func pack(family, release, customer, index int) int {
	return family*1000 + release*100 + customer*10 + index + 1
}

func format(family, release, customer, index int) string {
	s := families[family] + "-" + releases[release] + "-" + customers[customer]
	if index > 0 {
		s += fmt.Sprintf("-%02d", index)
	}
	return s
}

func indexOf(table []string, v string) int {
	for i, t := range table {
		if t == v {
			return i
		}
	}
	return -1
}
