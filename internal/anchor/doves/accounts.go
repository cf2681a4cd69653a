// Package doves holds the account layouts for the doves price oracle program.
//
// The layouts mirror the program IDL; regenerate with anchor-go when the IDL
// changes (see internal/anchor/tools.go).
package doves

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ProgramID = solana.MustPublicKeyFromBase58("DoVEsk76QybCEHQGzkvYPWLQu9gzNoZZZt3TPiL597e")

var Account_PriceFeed = accountDiscriminator("priceFeed")

// PriceFeed is the aggregated oracle price account for one trading pair.
type PriceFeed struct {
	Pair      [32]uint8
	Signer    [33]uint8
	Price     uint64
	Expo      int8
	Timestamp int64
	Bump      uint8
}

func ParseAccount_PriceFeed(data []byte) (*PriceFeed, error) {
	payload, err := stripDiscriminator(data, Account_PriceFeed, "priceFeed")
	if err != nil {
		return nil, err
	}
	out := new(PriceFeed)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode priceFeed account: %w", err)
	}
	return out, nil
}

// PairString returns the zero-terminated pair name, e.g. "SOL/USD".
func (f *PriceFeed) PairString() string {
	index := bytes.IndexByte(f.Pair[:], 0)
	if index < 0 {
		index = len(f.Pair)
	}
	return string(f.Pair[:index])
}

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func stripDiscriminator(data []byte, discriminator [8]byte, name string) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("account data too short for %s: %d bytes", name, len(data))
	}
	if !bytes.Equal(data[:8], discriminator[:]) {
		return nil, fmt.Errorf("discriminator mismatch for %s", name)
	}
	return data[8:], nil
}
