package telegram

// Telegram constrains ranged downloads: offsets sit on a 4KiB grid,
// part sizes are powers of two, and a part must not cross a 1MiB
// boundary measured from the file start.
const (
	kb4 = 4096
	mb1 = 1 << 20
)

// partSizes are the request sizes the data centers accept, largest
// first.
var partSizes = [...]int{524288, 262144, 131072, 65536, 32768, 16384, 8192, 4096}

// alignDown rounds an offset down to the 4KiB grid.
func alignDown(offset int64) int64 {
	return offset - offset%kb4
}

// partLimit picks the largest permitted request size at offset, capped
// by the bytes left in the file and by the distance to the next 1MiB
// boundary. Zero means the offset is at or past the file end. Near the
// end no listed size may fit under the caps; the smallest is used and
// the server answers short.
func partLimit(offset, fileSize int64) int {
	remaining := fileSize - offset
	if remaining <= 0 {
		return 0
	}

	allowed := (offset/mb1)*mb1 + mb1 - offset
	if remaining < allowed {
		allowed = remaining
	}

	for _, size := range partSizes {
		if int64(size) <= allowed {
			return size
		}
	}

	return partSizes[len(partSizes)-1]
}
