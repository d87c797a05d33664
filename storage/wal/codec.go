package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Record frame: [bodyLen:4][xxhash64(body):8][body:N]. The body is the JSON
// encoding of Entry. A torn tail (short frame or checksum mismatch) ends the
// scan of that segment at the last intact record.

const frameHeaderLen = 12

func encodeEntry(w io.Writer, e *Entry) (int64, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint64(hdr[4:12], xxhash.Sum64(body))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(body); err != nil {
		return 0, err
	}
	return int64(frameHeaderLen + len(body)), nil
}

// errTornRecord signals a torn or corrupt tail; replay treats it as EOF.
var errTornRecord = fmt.Errorf("wal: torn record")

func decodeEntry(r io.Reader, e *Entry) error {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return errTornRecord
		}
		return err
	}
	bodyLen := binary.LittleEndian.Uint32(hdr[0:4])
	want := binary.LittleEndian.Uint64(hdr[4:12])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errTornRecord
		}
		return err
	}
	if got := xxhash.Sum64(body); got != want {
		return errTornRecord
	}
	return json.Unmarshal(body, e)
}
