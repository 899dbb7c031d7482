package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// 参与签名的查询参数，顺序固定，缺失的参数取空串
var signingParams = []string{
	"live_id", "aid", "version_code", "webcast_sdk_version",
	"room_id", "sub_room_id", "sub_channel_id", "did_rule",
	"user_unique_id", "device_platform", "device_type", "ac",
	"identity",
}

// BuildSigningQuery 从 wss 查询参数构造规范化签名串，
// 形如 "live_id=1,aid=6383,..."
func BuildSigningQuery(query url.Values) string {
	parts := make([]string, 0, len(signingParams))
	for _, k := range signingParams {
		parts = append(parts, k+"="+query.Get(k))
	}
	return strings.Join(parts, ",")
}

// SigningDigest 规范化签名串的 md5 十六进制摘要，作为签名服务的输入
func SigningDigest(query url.Values) string {
	sum := md5.Sum([]byte(BuildSigningQuery(query)))
	return hex.EncodeToString(sum[:])
}
