package assetstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/forge-labs/forge-go/internal/domain"
)

const (
	objectMagic   = "FRGA"
	objectVersion = 1

	maxHeaderField = 1 << 10
	maxParents     = 1 << 12
)

// encodeObject lays an asset out as: magic, version, kind, format, parent
// count, parents, payload. Strings and the payload are uvarint
// length-prefixed.
func encodeObject(a domain.Asset) []byte {
	size := len(objectMagic) + 1 + len(a.Kind) + len(a.Format) + len(a.Payload) + 8*(3+len(a.Parents))
	for _, p := range a.Parents {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, objectMagic...)
	buf = append(buf, objectVersion)
	buf = appendBytes(buf, []byte(a.Kind))
	buf = appendBytes(buf, []byte(a.Format))
	buf = binary.AppendUvarint(buf, uint64(len(a.Parents)))
	for _, p := range a.Parents {
		buf = appendBytes(buf, []byte(p))
	}
	buf = appendBytes(buf, a.Payload)
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) bytes(limit int) ([]byte, error) {
	n, w := binary.Uvarint(r.buf[r.off:])
	if w <= 0 {
		return nil, errors.New("bad length prefix")
	}
	r.off += w
	if limit > 0 && n > uint64(limit) {
		return nil, fmt.Errorf("field length %d exceeds %d", n, limit)
	}
	if n > uint64(len(r.buf)-r.off) {
		return nil, errors.New("truncated object")
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func decodeObject(id domain.AssetID, raw []byte) (domain.Asset, error) {
	corrupt := func(reason string) (domain.Asset, error) {
		return domain.Asset{}, &domain.CorruptionError{Subject: "asset", ID: string(id), Reason: reason}
	}
	if len(raw) < len(objectMagic)+1 || string(raw[:len(objectMagic)]) != objectMagic {
		return corrupt("bad object header")
	}
	if raw[len(objectMagic)] != objectVersion {
		return corrupt(fmt.Sprintf("unknown object version %d", raw[len(objectMagic)]))
	}

	r := &reader{buf: raw, off: len(objectMagic) + 1}
	kind, err := r.bytes(maxHeaderField)
	if err != nil {
		return corrupt("kind: " + err.Error())
	}
	format, err := r.bytes(maxHeaderField)
	if err != nil {
		return corrupt("format: " + err.Error())
	}
	count, w := binary.Uvarint(r.buf[r.off:])
	if w <= 0 || count > maxParents {
		return corrupt("bad parent count")
	}
	r.off += w
	parents := make([]domain.AssetID, 0, count)
	for i := uint64(0); i < count; i++ {
		p, err := r.bytes(maxHeaderField)
		if err != nil {
			return corrupt("parent: " + err.Error())
		}
		parents = append(parents, domain.AssetID(p))
	}
	payload, err := r.bytes(0)
	if err != nil {
		return corrupt("payload: " + err.Error())
	}
	if r.off != len(raw) {
		return corrupt("trailing bytes after payload")
	}

	a := domain.Asset{
		ID:      id,
		Kind:    domain.AssetKind(kind),
		Format:  string(format),
		Payload: append([]byte(nil), payload...),
		Parents: parents,
	}
	if err := a.Verify(); err != nil {
		return domain.Asset{}, err
	}
	return a, nil
}
