package pebblestore

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Keyspace layout (byte-wise, lexicographically sortable):
//
//	s/{len_be4}{streamID}/m            stream meta (last version, last position)
//	s/{len_be4}{streamID}/e/{ver_be8}  message record, keyed by stream version
//	s/{len_be4}{streamID}/i/{uuid16}   message-id index, value ver_be8
//	g/{pos_be8}                        global log pointer to a stream entry
//	c/{streamID}                       stream catalog, raw id for keyset listing
//	h                                  head position counter
//
// Stream ids are length-prefixed inside the s/ keyspace so an id can contain
// any byte; the catalog keyspace keeps ids raw because nothing follows them.

var (
	keyHead         = []byte("h")
	catalogPrefix   = []byte("c/")
	streamKeyPrefix = []byte("s/")
	metaSuffix      = []byte("/m")
	entrySeg        = []byte("/e/")
	idSeg           = []byte("/i/")
	globalKeyPrefix = []byte("g/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func streamKeyRoot(streamID string) []byte {
	k := make([]byte, 0, len(streamID)+24)
	k = append(k, streamKeyPrefix...)
	k = appendBE4(k, uint32(len(streamID)))
	k = append(k, streamID...)
	return k
}

func keyStreamMeta(streamID string) []byte {
	return append(streamKeyRoot(streamID), metaSuffix...)
}

func keyStreamEntry(streamID string, version int) []byte {
	k := append(streamKeyRoot(streamID), entrySeg...)
	return appendBE8(k, uint64(version))
}

// keyStreamEntryPrefix bounds the entry range of one stream.
func keyStreamEntryPrefix(streamID string) []byte {
	return append(streamKeyRoot(streamID), entrySeg...)
}

func keyStreamMessageID(streamID string, id uuid.UUID) []byte {
	k := append(streamKeyRoot(streamID), idSeg...)
	return append(k, id[:]...)
}

func keyGlobalEntry(position int64) []byte {
	return appendBE8(append([]byte{}, globalKeyPrefix...), uint64(position))
}

func keyCatalog(streamID string) []byte {
	return append(append([]byte{}, catalogPrefix...), streamID...)
}

// entryVersion recovers the stream version from an entry key.
func entryVersion(key []byte) int {
	return int(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// globalPosition recovers the position from a global log key.
func globalPosition(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
