// Package mp4 probes ISO-BMFF structure over a partially downloaded
// file prefix. The probe walks top-level boxes until it can decide
// whether enough of the container is present to start playback: the
// verdict is Complete once the movie header box lies entirely inside
// the prefix. Bytes are assumed to arrive in offset order, so a file
// whose movie header trails the media data only completes once the
// prefix has grown past that media data.
package mp4

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	headerSize    = 8
	extHeaderSize = 16
)

// moovBox is the movie header box type. Its presence inside the prefix
// is what makes a progressive file decodable from the start.
var moovBox = [4]byte{'m', 'o', 'o', 'v'}

// Verdict classifies the outcome of a probe.
type Verdict uint8

const (
	// VerdictComplete means the movie header is fully inside the prefix.
	VerdictComplete Verdict = iota
	// VerdictIncomplete means the movie header was located but extends
	// past the prefix; Result.BytesNeeded says how far.
	VerdictIncomplete
	// VerdictNotFound means the prefix ended before the movie header
	// could be located. More bytes may change the answer.
	VerdictNotFound
	// VerdictInvalid means the box structure is broken and no amount of
	// further download will fix it.
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictComplete:
		return "complete"
	case VerdictIncomplete:
		return "incomplete"
	case VerdictNotFound:
		return "not_found"
	case VerdictInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Result is the outcome of probing a prefix.
type Result struct {
	Verdict Verdict

	// BytesNeeded is the prefix length, measured from the start of the
	// file, at which the movie header would be fully present. Set only
	// for VerdictIncomplete.
	BytesNeeded int64

	// Reason describes what is broken. Set only for VerdictInvalid.
	Reason string
}

// Probe walks top-level boxes in r until it finds the movie header,
// runs out of prefix, or hits a structural error. prefixLen is the
// number of contiguous bytes available from offset zero; fileSize
// bounds declared box sizes when known (pass 0 if unknown). The
// returned error reports I/O failures only; structural problems are a
// verdict, not an error.
func Probe(r io.ReaderAt, prefixLen, fileSize int64) (Result, error) {
	if prefixLen < 0 {
		return Result{}, fmt.Errorf("mp4: negative prefix length %d", prefixLen)
	}

	var offset int64

	var hdr [extHeaderSize]byte

	for {
		if offset+headerSize > prefixLen {
			return pastPrefix(prefixLen, fileSize), nil
		}

		if _, err := r.ReadAt(hdr[:headerSize], offset); err != nil {
			return Result{}, fmt.Errorf("mp4: reading box header at offset %d: %w", offset, err)
		}

		size := int64(binary.BigEndian.Uint32(hdr[0:4]))
		header := int64(headerSize)

		switch size {
		case 0:
			// A zero size means "through end of file", which only the
			// final box may declare; a playable prefix cannot be probed
			// across it.
			return Result{
				Verdict: VerdictInvalid,
				Reason:  fmt.Sprintf("box %q at offset %d declares size 0", hdr[4:8], offset),
			}, nil
		case 1:
			// 64-bit size in the 8 bytes after the type field.
			if offset+extHeaderSize > prefixLen {
				return pastPrefix(prefixLen, fileSize), nil
			}

			if _, err := r.ReadAt(hdr[headerSize:extHeaderSize], offset+headerSize); err != nil {
				return Result{}, fmt.Errorf("mp4: reading extended box size at offset %d: %w", offset, err)
			}

			wide := binary.BigEndian.Uint64(hdr[headerSize:extHeaderSize])
			if wide > math.MaxInt64 {
				return Result{
					Verdict: VerdictInvalid,
					Reason:  fmt.Sprintf("box %q at offset %d declares size %d beyond addressable range", hdr[4:8], offset, wide),
				}, nil
			}

			size = int64(wide)
			header = extHeaderSize
		}

		if size < header {
			return Result{
				Verdict: VerdictInvalid,
				Reason:  fmt.Sprintf("box %q at offset %d declares size %d smaller than its header", hdr[4:8], offset, size),
			}, nil
		}

		if size > math.MaxInt64-offset {
			return Result{
				Verdict: VerdictInvalid,
				Reason:  fmt.Sprintf("box %q at offset %d overflows the file", hdr[4:8], offset),
			}, nil
		}

		end := offset + size
		if fileSize > 0 && end > fileSize {
			return Result{
				Verdict: VerdictInvalid,
				Reason:  fmt.Sprintf("box %q at offset %d ends at %d, past file size %d", hdr[4:8], offset, end, fileSize),
			}, nil
		}

		if [4]byte(hdr[4:8]) == moovBox {
			if end <= prefixLen {
				return Result{Verdict: VerdictComplete}, nil
			}

			return Result{Verdict: VerdictIncomplete, BytesNeeded: end}, nil
		}

		offset = end
	}
}

// pastPrefix is the verdict when the walk needs bytes beyond the
// prefix. While more of the file can still arrive the answer may
// change; once the prefix covers the whole file a missing movie
// header is structural.
func pastPrefix(prefixLen, fileSize int64) Result {
	if fileSize > 0 && prefixLen >= fileSize {
		return Result{
			Verdict: VerdictInvalid,
			Reason:  fmt.Sprintf("no moov box in the complete %d-byte file", fileSize),
		}
	}

	return Result{Verdict: VerdictNotFound}
}
