package argstore

// ============================================================================
// ArgumentFile 編碼
//
// 格式：
//   [0:4]  magic "OQAF"
//   [4]    version
//   [5:9]  CRC32-IEEE(body), big endian
//   [9:]   body = protobuf structpb.Struct {"context": ..., "args": ...}
//          args 以 types.ArgsToStruct 編碼，整數不經 float64
// ============================================================================

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

const (
	formatVersion = 2
	headerSize    = 9
)

var magic = []byte("OQAF")

var (
	errShortFile        = errors.New("file shorter than header")
	errBadMagic         = errors.New("bad magic")
	errVersion          = errors.New("unsupported format version")
	errChecksumMismatch = errors.New("checksum mismatch")
)

// encode serialises an ArgumentFile. Args keep their Go types through
// types.ArgsToStruct; the context goes through JSON.
func encode(file types.ArgumentFile) ([]byte, error) {
	raw, err := json.Marshal(file.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalise context: %w", err)
	}
	ctxStruct, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	st := &structpb.Struct{Fields: map[string]*structpb.Value{
		"context": structpb.NewStructValue(ctxStruct),
	}}
	args, err := types.ArgsToStruct(file.Args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	if args != nil {
		st.Fields["args"] = structpb.NewStructValue(args)
	}
	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal struct: %w", err)
	}

	buf := make([]byte, headerSize, headerSize+len(body))
	copy(buf, magic)
	buf[4] = formatVersion
	binary.BigEndian.PutUint32(buf[5:9], crc32.ChecksumIEEE(body))
	return append(buf, body...), nil
}

// decode is the inverse of encode. Every failure is a corruption.
func decode(data []byte) (types.ArgumentFile, error) {
	var file types.ArgumentFile
	if len(data) < headerSize {
		return file, errShortFile
	}
	if !bytes.Equal(data[:4], magic) {
		return file, errBadMagic
	}
	if data[4] != formatVersion {
		return file, fmt.Errorf("%w: %d", errVersion, data[4])
	}
	body := data[headerSize:]
	if want, got := binary.BigEndian.Uint32(data[5:9]), crc32.ChecksumIEEE(body); want != got {
		return file, fmt.Errorf("%w: expected=0x%08x got=0x%08x", errChecksumMismatch, want, got)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(body, &st); err != nil {
		return file, fmt.Errorf("unmarshal struct: %w", err)
	}
	ctxStruct := st.GetFields()["context"].GetStructValue()
	if ctxStruct == nil {
		return file, errors.New("missing context")
	}
	raw, err := json.Marshal(ctxStruct.AsMap())
	if err != nil {
		return file, fmt.Errorf("re-marshal context: %w", err)
	}
	if err := json.Unmarshal(raw, &file.Context); err != nil {
		return file, fmt.Errorf("unmarshal context: %w", err)
	}
	if args := st.GetFields()["args"].GetStructValue(); args != nil {
		if file.Args, err = types.ArgsFromStruct(args); err != nil {
			return file, fmt.Errorf("decode args: %w", err)
		}
	}
	return file, nil
}
