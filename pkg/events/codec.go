package events

import (
	"encoding/binary"
	"errors"

	"slo-sched/pkg/slo"
)

// RecordSize is the serialized size of one deadline event: three little-endian
// 64-bit fields in declaration order.
const RecordSize = 24

var (
	ErrShortRecord  = errors.New("events: record shorter than known size")
	ErrShortBuffer  = errors.New("events: buffer shorter than declared record")
	ErrNoRecordSize = errors.New("events: declared record size is zero")
)

// AppendRecord serializes ev onto dst and returns the extended slice.
func AppendRecord(dst []byte, ev slo.DeadlineEvent) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(ev.WorkloadID))
	dst = binary.LittleEndian.AppendUint64(dst, ev.MissNS)
	dst = binary.LittleEndian.AppendUint64(dst, ev.Timestamp)

	return dst
}

// MarshalRecord serializes ev into a fresh RecordSize buffer.
func MarshalRecord(ev slo.DeadlineEvent) []byte {
	return AppendRecord(make([]byte, 0, RecordSize), ev)
}

// DecodeRecord reads one event from buf given the record size declared by the
// producer. Oversized records are tolerated for forward compatibility: the
// known prefix is read and the suffix discarded. Undersized records are
// rejected. It returns the remaining buffer after the declared record.
func DecodeRecord(buf []byte, declaredSize int) (slo.DeadlineEvent, []byte, error) {
	if declaredSize <= 0 {
		return slo.DeadlineEvent{}, buf, ErrNoRecordSize
	}

	if declaredSize < RecordSize {
		return slo.DeadlineEvent{}, buf, ErrShortRecord
	}

	if len(buf) < declaredSize {
		return slo.DeadlineEvent{}, buf, ErrShortBuffer
	}

	ev := slo.DeadlineEvent{
		WorkloadID: slo.WorkloadID(binary.LittleEndian.Uint64(buf[0:8])),
		MissNS:     binary.LittleEndian.Uint64(buf[8:16]),
		Timestamp:  binary.LittleEndian.Uint64(buf[16:24]),
	}

	return ev, buf[declaredSize:], nil
}
