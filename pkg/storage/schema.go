package storage

import (
	"fmt"
	"strings"
)

// Key prefixes for different data types
const (
	prefixTransfers  = "/data/transfer/"
	prefixContracts  = "/data/contract/"
	prefixCheckpoint = "/meta/checkpoint/"
)

// TransferKey returns the key for storing one transfer
// Format: /data/transfer/{chain}/{hash}/{logIndex}
// logIndex is zero-padded so a transaction's logs iterate in order.
func TransferKey(chain, hash string, logIndex uint) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%010d", prefixTransfers, chain, strings.ToLower(hash), logIndex))
}

// TransferPrefix returns the key prefix of all transfers of a chain
func TransferPrefix(chain string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixTransfers, chain))
}

// ContractKey returns the key for storing a contract
// Format: /data/contract/{chain}/{address}
func ContractKey(chain, address string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixContracts, chain, strings.ToLower(address)))
}

// CheckpointKey returns the key holding a chain's last scanned block
// Format: /meta/checkpoint/{chain}
func CheckpointKey(chain string) []byte {
	return []byte(prefixCheckpoint + chain)
}

// PrefixEnd returns the smallest key greater than every key with prefix p,
// for use as an iterator upper bound
func PrefixEnd(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

