package registry

import (
	"fmt"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

var chainIDByName = map[string]int64{
	"ethereum":  1,
	"mainnet":   1,
	"optimism":  10,
	"bsc":       56,
	"gnosis":    100,
	"polygon":   137,
	"base":      8453,
	"arbitrum":  42161,
	"avalanche": 43114,
	"linea":     59144,
	"scroll":    534352,
	"taiko":     167000,
}

// ParseChainID accepts a chain name, a decimal chain id or an eip155 CAIP-2
// id and returns the EVM chain id.
func ParseChainID(input string) (int64, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if norm == "" {
		return 0, clierr.New(clierr.CodeValidation, "chain is required")
	}
	if id, ok := chainIDByName[norm]; ok {
		return id, nil
	}
	norm = strings.TrimPrefix(norm, "eip155:")
	id, err := strconv.ParseInt(norm, 10, 64)
	if err != nil || id <= 0 {
		return 0, clierr.New(clierr.CodeValidation, fmt.Sprintf("unsupported chain input: %s", input))
	}
	return id, nil
}
