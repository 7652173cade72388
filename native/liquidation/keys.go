package liquidation

import (
	"encoding/binary"
	"strings"

	"liquidationqueue/crypto"
)

var (
	paramsKey         = []byte("liquidation/params")
	bidSequenceKey    = []byte("liquidation/bid-seq")
	queuePrefix       = []byte("liquidation/queue/")
	slotPrefix        = []byte("liquidation/slot/")
	sumArchivePrefix  = []byte("liquidation/sum/")
	bidPrefix         = []byte("liquidation/bid/")
	bidOwnerPrefix    = []byte("liquidation/bid-owner/")
	bidSlotPrefix     = []byte("liquidation/bid-slot/")
	indexMarker       = []byte{1}
	maxAssetKeyLength = 1<<16 - 1
)

// assetSegment length-prefixes the asset so no asset key is a prefix of
// another asset's keys.
func assetSegment(asset string) []byte {
	trimmed := strings.TrimSpace(asset)
	if len(trimmed) > maxAssetKeyLength {
		trimmed = trimmed[:maxAssetKeyLength]
	}
	buf := make([]byte, 2+len(trimmed))
	binary.BigEndian.PutUint16(buf, uint16(len(trimmed)))
	copy(buf[2:], trimmed)
	return buf
}

func join(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

func be64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func queueKey(asset string) []byte { return join(queuePrefix, assetSegment(asset)) }

func slotAssetPrefix(asset string) []byte { return join(slotPrefix, assetSegment(asset)) }

func slotKey(asset string, premium uint64) []byte {
	return join(slotAssetPrefix(asset), be64(premium))
}

func sumArchiveKey(asset string, premium, epoch, scale uint64) []byte {
	return join(sumArchivePrefix, assetSegment(asset), be64(premium), be64(epoch), be64(scale))
}

func bidKey(id uint64) []byte { return join(bidPrefix, be64(id)) }

func bidOwnerIndexPrefix(asset string, owner crypto.Address) []byte {
	addr := owner.Bytes()
	return join(bidOwnerPrefix, assetSegment(asset), []byte{byte(len(addr))}, addr)
}

func bidOwnerIndexKey(asset string, owner crypto.Address, id uint64) []byte {
	return join(bidOwnerIndexPrefix(asset, owner), be64(id))
}

func bidSlotIndexPrefix(asset string, premium uint64) []byte {
	return join(bidSlotPrefix, assetSegment(asset), be64(premium))
}

func bidSlotIndexKey(asset string, premium, id uint64) []byte {
	return join(bidSlotIndexPrefix(asset, premium), be64(id))
}

// idFromIndexKey extracts the trailing bid id of an index key.
func idFromIndexKey(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}
