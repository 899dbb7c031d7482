package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// 消息 method
const (
	MethodChat    = "WebcastChatMessage"
	MethodControl = "WebcastControlMessage"
	MethodRoom    = "WebcastRoomMessage"
)

// ControlStatusEnded 直播已结束
const ControlStatusEnded = 3

// Event 上游域事件（封闭联合类型，解码时一次性确定具体类型）
type Event interface {
	isEvent()
}

// ChatEvent 聊天弹幕
type ChatEvent struct {
	UserID   uint64
	UserName string
	Content  string
	RoomID   int64
	MsgID    int64
}

// ControlEvent 直播间状态变化
type ControlEvent struct {
	Status int64
}

// RoomEvent 直播间信息
type RoomEvent struct {
	RoomID int64
}

// ConnectEvent 上游连接建立
type ConnectEvent struct{}

// DisconnectEvent 重连次数耗尽，fetcher 进入终态
type DisconnectEvent struct{}

func (ChatEvent) isEvent()       {}
func (ControlEvent) isEvent()    {}
func (RoomEvent) isEvent()       {}
func (ConnectEvent) isEvent()    {}
func (DisconnectEvent) isEvent() {}

// DecodeEvent 按 method 解码消息体。未识别的 method 返回 (nil, nil)，
// 调用方直接跳过
func DecodeEvent(method string, payload []byte) (Event, error) {
	switch method {
	case MethodChat:
		return decodeChatMessage(payload)
	case MethodControl:
		return decodeControlMessage(payload)
	case MethodRoom:
		return decodeRoomMessage(payload)
	default:
		return nil, nil
	}
}

/*
内层消息的字段号（取自平台 proto）：

	ChatMessage:    common=1, user=2, content=3
	ControlMessage: common=1, status=2
	RoomMessage:    common=1
	Common:         msgId=2, roomId=3
	User:           id=1, nickName=3
*/

type common struct {
	msgID  int64
	roomID int64
}

func decodeChatMessage(data []byte) (Event, error) {
	var ev ChatEvent
	err := eachField(data, func(num protowire.Number, v []byte, vi uint64, isBytes bool) error {
		switch {
		case num == 1 && isBytes:
			c, err := decodeCommon(v)
			if err != nil {
				return err
			}
			ev.MsgID = c.msgID
			ev.RoomID = c.roomID
		case num == 2 && isBytes:
			return eachField(v, func(num protowire.Number, v []byte, vi uint64, isBytes bool) error {
				switch {
				case num == 1 && !isBytes:
					ev.UserID = vi
				case num == 3 && isBytes:
					ev.UserName = string(v)
				}
				return nil
			})
		case num == 3 && isBytes:
			ev.Content = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeControlMessage(data []byte) (Event, error) {
	var ev ControlEvent
	err := eachField(data, func(num protowire.Number, v []byte, vi uint64, isBytes bool) error {
		if num == 2 && !isBytes {
			ev.Status = int64(vi)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeRoomMessage(data []byte) (Event, error) {
	var ev RoomEvent
	err := eachField(data, func(num protowire.Number, v []byte, vi uint64, isBytes bool) error {
		if num == 1 && isBytes {
			c, err := decodeCommon(v)
			if err != nil {
				return err
			}
			ev.RoomID = c.roomID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeCommon(data []byte) (common, error) {
	var c common
	err := eachField(data, func(num protowire.Number, v []byte, vi uint64, isBytes bool) error {
		switch {
		case num == 2 && !isBytes:
			c.msgID = int64(vi)
		case num == 3 && !isBytes:
			c.roomID = int64(vi)
		}
		return nil
	})
	return c, err
}

// eachField 遍历一条 protobuf 消息的顶层字段。varint 字段传 vi，
// 长度前缀字段传 v；其它 wire 类型跳过
func eachField(data []byte, fn func(num protowire.Number, v []byte, vi uint64, isBytes bool) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: invalid tag", ErrDecode)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: invalid varint", ErrDecode)
			}
			if err := fn(num, nil, v, false); err != nil {
				return err
			}
			data = data[n:]

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: invalid bytes", ErrDecode)
			}
			if err := fn(num, v, 0, true); err != nil {
				return err
			}
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: invalid field %d", ErrDecode, num)
			}
			data = data[n:]
		}
	}
	return nil
}
