// Package perpetuals holds the account layouts for the on-chain perpetuals
// exchange program.
//
// The layouts mirror the program IDL; regenerate with anchor-go when the IDL
// changes (see internal/anchor/tools.go).
package perpetuals

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ProgramID = solana.MustPublicKeyFromBase58("PERPHjGBqRHArX4DySjwM6UJHiR3sWAatqfdBS2qQJu")

var (
	Account_Pool           = accountDiscriminator("pool")
	Account_Custody        = accountDiscriminator("custody")
	Account_Position       = accountDiscriminator("position")
	Account_BorrowPosition = accountDiscriminator("borrowPosition")
)

func ParseAccount_Pool(data []byte) (*Pool, error) {
	payload, err := stripDiscriminator(data, Account_Pool, "pool")
	if err != nil {
		return nil, err
	}
	out := new(Pool)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode pool account: %w", err)
	}
	return out, nil
}

func ParseAccount_Custody(data []byte) (*Custody, error) {
	payload, err := stripDiscriminator(data, Account_Custody, "custody")
	if err != nil {
		return nil, err
	}
	out := new(Custody)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode custody account: %w", err)
	}
	return out, nil
}

func ParseAccount_Position(data []byte) (*Position, error) {
	payload, err := stripDiscriminator(data, Account_Position, "position")
	if err != nil {
		return nil, err
	}
	out := new(Position)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode position account: %w", err)
	}
	return out, nil
}

func ParseAccount_BorrowPosition(data []byte) (*BorrowPosition, error) {
	payload, err := stripDiscriminator(data, Account_BorrowPosition, "borrowPosition")
	if err != nil {
		return nil, err
	}
	out := new(BorrowPosition)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode borrowPosition account: %w", err)
	}
	return out, nil
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
