// Package protocol 实现抖音直播间推送协议的编解码
package protocol

import "errors"

// 错误分类：所有失败都限定在单个房间的 fetcher 或单个订阅者范围内，
// 不会导致整个进程退出
var (
	ErrHandshake = errors.New("handshake failed")  // ttwid / room_id 获取失败
	ErrSignature = errors.New("signature failed")  // 签名服务调用失败
	ErrDecode    = errors.New("decode failed")     // 帧或消息体解析失败
	ErrDelivery  = errors.New("delivery failed")   // 下游投递失败
	ErrTransport = errors.New("transport failed")  // socket 层失败
)
