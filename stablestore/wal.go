package stablestore

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"

	"gnspaxos/packet"
)

const (
	RecordPromise = "promise"
	RecordAccept  = "accept"
)

// Record is one acceptor state change.
type Record struct {
	Kind   string              `json:"k"`
	Ballot packet.Ballot       `json:"b"`
	Slot   int64               `json:"s,omitempty"`
	Value  packet.RequestValue `json:"v,omitempty"`
}

// Log is an append-only file of length-prefixed JSON records.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	durable bool
}

func openLog(path string, durable bool) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, durable: durable}, nil
}

func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := writeRecord(l.file, rec); err != nil {
		return err
	}
	return l.sync()
}

func (l *Log) sync() error {
	if !l.durable {
		return nil
	}
	var ss StableStore = l.file
	return ss.Sync()
}

func writeRecord(w io.Writer, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Replay feeds every complete record to apply in write order. A torn or
// unreadable record ends the replay and is cut off, so later appends land
// after the last good record.
func (l *Log) Replay(apply func(Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var offset int64
	for {
		var lenBuf [4]byte
		_, err := io.ReadFull(l.file, lenBuf[:])
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return l.truncate(offset)
		}
		if err != nil {
			return err
		}
		data := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		_, err = io.ReadFull(l.file, data)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return l.truncate(offset)
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return l.truncate(offset)
		}
		if err := apply(rec); err != nil {
			return err
		}
		offset += int64(len(lenBuf) + len(data))
	}
}

func (l *Log) truncate(offset int64) error {
	if err := l.file.Truncate(offset); err != nil {
		return err
	}
	return l.sync()
}

// Reset replaces the log's contents with recs. Used after a checkpoint
// makes older records redundant.
func (l *Log) Reset(recs []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, r := range recs {
		if err := writeRecord(l.file, r); err != nil {
			return err
		}
	}
	return l.sync()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
