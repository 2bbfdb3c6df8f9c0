package trajectory

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
)

// defaultBlockSize and defaultMaxBufferBytes bound the reverse-block tail
// read: bytes read are O(k*blockSize) where k is the number of blocks
// needed to cover the requested line count, and total buffered bytes never
// exceed maxBufferBytes (§4.3).
const (
	defaultBlockSize      = 64 * 1024
	defaultMaxBufferBytes = 8 * 1024 * 1024
)

// Tail returns the last n events, tolerating a corrupt trailing/interior
// line by skipping it silently (§4.3 corruption policy). Blocks are read
// backward from EOF and stop as soon as n+1 newlines have been seen or the
// file is exhausted or the max-buffer cap is reached, so only a file with
// fewer than n+1 lines (within the cap) is read whole.
func (l *Log) Tail(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	blockSize := int64(defaultBlockSize)
	maxBuffer := int64(defaultMaxBufferBytes)

	// blocks collects fixed-size reads in reverse-file order via append
	// (O(1) amortized); it is joined exactly once after the loop, never
	// concatenated incrementally, which would be quadratic (§4.3
	// "list-then-join").
	var blocks [][]byte
	var totalRead int64
	pos := size
	lineCount := 0

	for pos > 0 && totalRead < maxBuffer {
		readSize := blockSize
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize

		buf := make([]byte, readSize)
		if _, err := f.ReadAt(buf, pos); err != nil {
			return nil, err
		}
		blocks = append(blocks, buf)
		totalRead += readSize

		lineCount += bytes.Count(buf, []byte("\n"))
		if lineCount > n {
			break
		}
	}

	// blocks were appended from EOF backward; reverse them into file order
	// before joining so the concatenation reproduces the original byte
	// stream.
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	buffer := bytes.Join(blocks, nil)

	lines := bytes.Split(buffer, []byte("\n"))
	// Drop a trailing empty element produced by a final newline.
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	events := make([]Event, 0, len(lines))
	corrupt := 0
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			corrupt++
			continue
		}
		events = append(events, ev)
	}
	if corrupt > 0 && l.corruptLines != nil {
		l.corruptLines.Add(ctx, int64(corrupt))
	}
	return events, nil
}
