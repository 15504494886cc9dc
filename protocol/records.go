package protocol

// Records is a batch of encoded records. Batches convert to net.Buffers
// directly, so a whole batch goes out in one writev.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
