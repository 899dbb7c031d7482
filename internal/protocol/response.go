package protocol

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

/*
msg 帧的 payload 经 gzip 解压后是一个 Response protobuf：

	messagesList = 1 (repeated Message)
	internalExt  = 5 (string)
	needAck      = 9 (bool)

Message：

	method  = 1 (string)
	payload = 2 (bytes)
	msgId   = 3 (int64)
*/

const (
	fieldRespMessages    = 1
	fieldRespInternalExt = 5
	fieldRespNeedAck     = 9

	fieldMsgMethod  = 1
	fieldMsgPayload = 2
	fieldMsgID      = 3
)

// Response 一个批次的推送消息
type Response struct {
	Messages    []Message
	InternalExt string
	NeedAck     bool
}

// Message 批次内的单条消息
type Message struct {
	Method  string
	Payload []byte
	MsgID   int64
}

// DecompressPayload 解压 msg 帧的 payload
func DecompressPayload(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrDecode, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrDecode, err)
	}
	return data, nil
}

// DecodeResponse 解码解压后的消息批次
func DecodeResponse(data []byte) (*Response, error) {
	resp := &Response{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid response tag", ErrDecode)
		}
		data = data[n:]

		switch {
		case num == fieldRespMessages && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid message entry", ErrDecode)
			}
			msg, err := decodeMessage(v)
			if err != nil {
				return nil, err
			}
			resp.Messages = append(resp.Messages, msg)
			data = data[n:]

		case num == fieldRespInternalExt && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid internalExt", ErrDecode)
			}
			resp.InternalExt = string(v)
			data = data[n:]

		case num == fieldRespNeedAck && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid needAck", ErrDecode)
			}
			resp.NeedAck = v != 0
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid field %d", ErrDecode, num)
			}
			data = data[n:]
		}
	}
	return resp, nil
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return msg, fmt.Errorf("%w: invalid message tag", ErrDecode)
		}
		data = data[n:]

		switch {
		case num == fieldMsgMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return msg, fmt.Errorf("%w: invalid method", ErrDecode)
			}
			msg.Method = string(v)
			data = data[n:]

		case num == fieldMsgPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return msg, fmt.Errorf("%w: invalid message payload", ErrDecode)
			}
			msg.Payload = append([]byte(nil), v...)
			data = data[n:]

		case num == fieldMsgID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return msg, fmt.Errorf("%w: invalid msgId", ErrDecode)
			}
			msg.MsgID = int64(v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return msg, fmt.Errorf("%w: invalid field %d", ErrDecode, num)
			}
			data = data[n:]
		}
	}
	return msg, nil
}
