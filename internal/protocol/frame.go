package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

/*
上下行的外层帧是平台定义的 PushFrame protobuf：

	logId       = 2 (varint)
	payloadType = 7 (string)
	payload     = 8 (bytes)

其余字段（seqId、service、headersList 等）对本系统无意义，
解码时跳过，编码时不产生。
*/

// payload 类型
const (
	PayloadTypeMsg       = "msg" // 消息批次，内层为 gzip 压缩的 Response
	PayloadTypeHeartbeat = "hb"  // 心跳
	PayloadTypeAck       = "ack" // 批次确认，payload 原样携带 internalExt
)

const (
	fieldFrameLogID       = 2
	fieldFramePayloadType = 7
	fieldFramePayload     = 8
)

// Frame 外层帧
type Frame struct {
	LogID       uint64
	PayloadType string
	Payload     []byte
}

// EncodeFrame 编码外层帧
func EncodeFrame(f *Frame) []byte {
	var buf []byte
	if f.LogID != 0 {
		buf = protowire.AppendTag(buf, fieldFrameLogID, protowire.VarintType)
		buf = protowire.AppendVarint(buf, f.LogID)
	}
	if f.PayloadType != "" {
		buf = protowire.AppendTag(buf, fieldFramePayloadType, protowire.BytesType)
		buf = protowire.AppendString(buf, f.PayloadType)
	}
	if len(f.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldFramePayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f.Payload)
	}
	return buf
}

// DecodeFrame 解码外层帧
func DecodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid frame tag", ErrDecode)
		}
		data = data[n:]

		switch {
		case num == fieldFrameLogID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid logId", ErrDecode)
			}
			f.LogID = v
			data = data[n:]

		case num == fieldFramePayloadType && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid payloadType", ErrDecode)
			}
			f.PayloadType = string(v)
			data = data[n:]

		case num == fieldFramePayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid payload", ErrDecode)
			}
			f.Payload = append([]byte(nil), v...)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid field %d", ErrDecode, num)
			}
			data = data[n:]
		}
	}
	return f, nil
}
