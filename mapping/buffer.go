package mapping

// ScanBuffer holds scans waiting to be integrated into the occupancy tree.
type ScanBuffer struct {
	records []ScanRecord
}

// Add appends a record.
func (b *ScanBuffer) Add(rec ScanRecord) {
	b.records = append(b.records, rec)
}

// Len returns the number of buffered records.
func (b *ScanBuffer) Len() int {
	return len(b.records)
}

// Last returns the most recently added record without removing it.
func (b *ScanBuffer) Last() (ScanRecord, bool) {
	if len(b.records) == 0 {
		return ScanRecord{}, false
	}
	return b.records[len(b.records)-1], true
}

// PopLast removes and returns the most recently added record.
func (b *ScanBuffer) PopLast() (ScanRecord, bool) {
	if len(b.records) == 0 {
		return ScanRecord{}, false
	}
	last := len(b.records) - 1
	rec := b.records[last]
	b.records[last] = ScanRecord{}
	b.records = b.records[:last]
	return rec, true
}

// Clear drops all records and returns how many there were.
func (b *ScanBuffer) Clear() int {
	n := len(b.records)
	b.records = nil
	return n
}
