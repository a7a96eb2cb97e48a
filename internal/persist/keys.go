package persist

import (
	"strconv"
	"strings"
)

// Logical column families, stored as key prefixes.
const (
	familyPositions        = "positions/"
	familyAccountLimits    = "account_limits/"
	familyInstrumentLimits = "instrument_limits/"
	familyOrders           = "orders/"
	familyTrades           = "trades/"
	familyMeta             = "meta/"
)

func positionKey(shard int, instrumentID uint32) []byte {
	return []byte(familyPositions + strconv.Itoa(shard) + ":" + strconv.FormatUint(uint64(instrumentID), 10))
}

func accountKey(shard int, slot int) []byte {
	return []byte(familyAccountLimits + strconv.Itoa(shard) + ":acc:" + strconv.Itoa(slot))
}

func instrumentKey(shard int, instrumentID int) []byte {
	return []byte(familyInstrumentLimits + strconv.Itoa(shard) + ":inst:" + strconv.Itoa(instrumentID))
}

func orderKey(orderID uint64) []byte {
	return []byte(familyOrders + "order:" + strconv.FormatUint(orderID, 10))
}

func tradeKey(tradeID uint64) []byte {
	return []byte(familyTrades + "trade:" + strconv.FormatUint(tradeID, 10))
}

func metaKey(shard int) []byte {
	return []byte(familyMeta + strconv.Itoa(shard))
}

// shardBounds returns the iteration bounds of one shard within a family.
// ';' sorts right after ':'.
func shardBounds(family string, shard int, infix string) (lower, upper []byte) {
	prefix := family + strconv.Itoa(shard) + ":" + infix
	return []byte(prefix), []byte(prefix[:len(prefix)-1] + string(prefix[len(prefix)-1]+1))
}

// parseID returns the numeric suffix after the last ':'.
func parseID(key []byte) (uint64, bool) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
