package firmware

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/snksoft/crc"
)

// ChecksumPolicy selects how words of a range are accumulated. The policy is
// fixed when the Validator is built.
type ChecksumPolicy int

const (
	// PolicySum is a wrapping 32-bit sum of little-endian words.
	PolicySum ChecksumPolicy = iota
	// PolicyXOR is the XOR of little-endian words.
	PolicyXOR
	// PolicyCRC32 is CRC-32 (IEEE 802.3) over the raw bytes.
	PolicyCRC32
)

var policyNames = map[ChecksumPolicy]string{
	PolicySum:   "sum",
	PolicyXOR:   "xor",
	PolicyCRC32: "crc32",
}

func (p ChecksumPolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy converts a configuration string into a policy.
func ParsePolicy(name string) (ChecksumPolicy, error) {
	for p, n := range policyNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown checksum policy %q", name)
}

var crcTable = crc.NewTable(crc.CRC32)

// accumulator folds a range into a checksum chunk by chunk.
type accumulator struct {
	policy ChecksumPolicy
	value  uint32
	hash   *crc.Hash
}

func newAccumulator(policy ChecksumPolicy) *accumulator {
	a := &accumulator{policy: policy}
	if policy == PolicyCRC32 {
		a.hash = crc.NewHashWithTable(crcTable)
	}
	return a
}

// update consumes a chunk whose length is a multiple of 4.
func (a *accumulator) update(chunk []byte) {
	switch a.policy {
	case PolicyCRC32:
		a.hash.Update(chunk)
	case PolicyXOR:
		for i := 0; i+4 <= len(chunk); i += 4 {
			a.value ^= binary.LittleEndian.Uint32(chunk[i:])
		}
	default:
		for i := 0; i+4 <= len(chunk); i += 4 {
			a.value += binary.LittleEndian.Uint32(chunk[i:])
		}
	}
}

func (a *accumulator) sum() uint32 {
	if a.policy == PolicyCRC32 {
		return a.hash.CRC32()
	}
	return a.value
}

// Checksum computes the policy's digest over an in-memory buffer. It is the
// reference used by tests and by provisioning to predict device results.
func Checksum(policy ChecksumPolicy, data []byte) uint32 {
	a := newAccumulator(policy)
	a.update(data)
	return a.sum()
}
