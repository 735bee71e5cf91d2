package update

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// recordKind distinguishes the two kinds of durable log record a stream
// ever appends.
type recordKind string

const (
	recordUpdate recordKind = "UPDATE"
	recordAck    recordKind = "ACK"
)

// maxRecordSize guards against a corrupt length prefix causing an
// unbounded read allocation during recovery replay.
const maxRecordSize = 8 << 20 // 8 MiB

// logRecord is the on-disk JSON body of a single durable log entry. Each
// entry is framed on disk as a 4-byte big-endian length prefix followed by
// exactly that many bytes of JSON.
type logRecord struct {
	Kind    recordKind    `json:"kind"`
	Update  *StatusUpdate `json:"update,omitempty"`
	AckUUID uuid.UUID     `json:"ack_uuid,omitempty"`
}

func updateRecord(u StatusUpdate) logRecord {
	return logRecord{Kind: recordUpdate, Update: &u}
}

func ackRecord(id uuid.UUID) logRecord {
	return logRecord{Kind: recordAck, AckUUID: id}
}

// writeRecord appends one length-delimited JSON record to w.
func writeRecord(w io.Writer, rec logRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("update: marshal log record: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("update: write log record length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("update: write log record body: %w", err)
	}
	return nil
}

// readRecord reads one length-delimited JSON record from r. It returns
// io.EOF (unwrapped) when r is exhausted at a record boundary, and a
// wrapped error for any other failure, including a truncated final
// record, which recovery treats as log corruption.
func readRecord(r io.Reader) (logRecord, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		if err == io.EOF {
			return logRecord{}, err
		}
		if err == io.ErrUnexpectedEOF {
			return logRecord{}, fmt.Errorf("update: truncated log record length prefix: %w", err)
		}
		return logRecord{}, fmt.Errorf("update: read log record length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > maxRecordSize {
		return logRecord{}, fmt.Errorf("update: log record of %d bytes exceeds max size %d", size, maxRecordSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		// A length prefix followed by no body at all is still a truncated
		// record; keep it from reading as a clean io.EOF to the caller.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return logRecord{}, fmt.Errorf("update: truncated log record body: %w", err)
	}

	var rec logRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return logRecord{}, fmt.Errorf("update: unmarshal log record: %w", err)
	}
	return rec, nil
}
