package utils

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// GenerateID returns a random identifier for sessions and journal rows.
func GenerateID() string {
	return uuid.NewString()
}

// ParseAddress validates and converts a hex string into an address.
func ParseAddress(address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, NewAppError(ErrCodeValidation, "invalid address", address)
	}
	return common.HexToAddress(address), nil
}
