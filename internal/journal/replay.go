package journal

// Replayed is the outcome of scanning the journal ring.
type Replayed struct {
	// Entries in journal order, start record excluded.
	Entries []*Entry
	// Sectors maps the position of every sector holding a replayed entry to
	// the chain value its first entry links to.
	Sectors map[uint64]uint32
	// NextFree is where the writer continues: the first position that did
	// not hold a consistent sector.
	NextFree  uint64
	CRC32Last uint32
	// Skipped counts small writes whose payload never fully reached the
	// journal. They were never acknowledged as synced and are dropped.
	Skipped int
}

// Replay scans the journal image buf from the position named by the start
// record and returns every consistent entry. It stops at the first sector
// whose first entry is missing, torn or not chained to its predecessor.
// Replay is pure: it does not touch any device.
func Replay(buf []byte, blockSize uint32, bitmapSize uint32, start Start) *Replayed {
	bs := uint64(blockSize)
	length := uint64(len(buf))
	res := &Replayed{Sectors: make(map[uint64]uint32)}

	pos := start.JournalStart
	crc := start.CRC32Prev
	var consumed uint64
	for {
		if pos+bs > length {
			consumed += length - pos
			pos = bs
		}
		if consumed+bs > length-bs {
			break
		}
		sector := buf[pos : pos+bs]
		firstCRC := crc
		next := pos + bs
		used := bs
		count := 0
		broken := false
		for off := uint32(0); off+HeaderSize <= blockSize; {
			e, size, err := Decode(sector[off:], crc, bitmapSize)
			if err != nil || e.Type == TypeStart {
				break
			}
			e.Sector = pos
			if e.Type == TypeSmallWrite {
				aligned := (uint64(e.Len) + bs - 1) / bs * bs
				at, skip := next, uint64(0)
				if at+aligned > length {
					skip = length - at
					at = bs
				}
				if e.Location != at || e.Len == 0 || e.Location+uint64(e.Len) > length {
					broken = true
					break
				}
				next = at + aligned
				used += skip + aligned
				if Checksum(buf[e.Location:e.Location+uint64(e.Len)]) != e.DataCRC32 {
					res.Skipped++
					crc = e.CRC32
					off += size
					count++
					continue
				}
			}
			crc = e.CRC32
			off += size
			count++
			res.Entries = append(res.Entries, e)
		}
		if count == 0 {
			break
		}
		res.Sectors[pos] = firstCRC
		consumed += used
		pos = next
		if broken {
			break
		}
	}
	res.NextFree = pos
	res.CRC32Last = crc
	return res
}
