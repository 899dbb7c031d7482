package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/qiminjie89/dmrelay/internal/protocol"
)

// room_id 嵌在直播间首页 HTML 的一段转义 JSON 里
var roomIDPattern = regexp.MustCompile(`roomId\\":\\"(\d+)\\"`)

const msTokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789=_"

// GenerateMsToken 生成请求 cookie 中的 msToken，107 位随机串
func GenerateMsToken() string {
	buf := make([]byte, 107)
	for i := range buf {
		buf[i] = msTokenAlphabet[rand.IntN(len(msTokenAlphabet))]
	}
	return string(buf)
}

// Resolver 解析直播间的会话凭证和内部 room_id。
// 两者成功后缓存，与所属 fetcher 同生命周期
type Resolver struct {
	liveURL   string
	userAgent string
	client    *http.Client

	ttwid  string
	roomID string
}

// NewResolver 创建 Resolver
func NewResolver(liveURL, userAgent string) *Resolver {
	return &Resolver{
		liveURL:   liveURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SessionToken 获取 ttwid。访问直播首页，从响应 cookie 中取；
// 失败不缓存，下次调用重试
func (r *Resolver) SessionToken(ctx context.Context) (string, error) {
	if r.ttwid != "" {
		return r.ttwid, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.liveURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrHandshake, err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request live url: %v", protocol.ErrHandshake, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	for _, c := range resp.Cookies() {
		if c.Name == "ttwid" && c.Value != "" {
			r.ttwid = c.Value
			return r.ttwid, nil
		}
	}
	return "", fmt.Errorf("%w: ttwid cookie not found", protocol.ErrHandshake)
}

// RoomID 将人可读的 live_id 解析为平台内部的数字 room_id；
// 成功后缓存
func (r *Resolver) RoomID(ctx context.Context, liveID string) (string, error) {
	if r.roomID != "" {
		return r.roomID, nil
	}

	ttwid, err := r.SessionToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.liveURL+liveID, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrHandshake, err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Cookie", fmt.Sprintf("ttwid=%s&msToken=%s; __ac_nonce=0123407cc00a9e438deb4", ttwid, GenerateMsToken()))

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request room url: %v", protocol.ErrHandshake, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read room page: %v", protocol.ErrHandshake, err)
	}

	match := roomIDPattern.FindSubmatch(body)
	if match == nil {
		return "", fmt.Errorf("%w: no match found for roomId", protocol.ErrHandshake)
	}

	r.roomID = string(match[1])
	return r.roomID, nil
}

// RoomStatus 直播间开播状态
type RoomStatus struct {
	Status     int    // 0 进行中，2 已结束
	AnchorID   string
	AnchorName string
}

// QueryRoomStatus 查询直播间状态，断线后用于日志记录，尽力而为
func (r *Resolver) QueryRoomStatus(ctx context.Context, liveID string) (*RoomStatus, error) {
	if r.roomID == "" || r.ttwid == "" {
		return nil, fmt.Errorf("%w: room not resolved", protocol.ErrHandshake)
	}

	q := url.Values{}
	q.Set("aid", "6383")
	q.Set("app_name", "douyin_web")
	q.Set("live_id", "1")
	q.Set("device_platform", "web")
	q.Set("language", "zh-CN")
	q.Set("enter_from", "web_live")
	q.Set("cookie_enabled", "true")
	q.Set("web_rid", liveID)
	q.Set("room_id_str", r.roomID)

	statusURL := r.liveURL + "webcast/room/web/enter/?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrHandshake, err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Cookie", "ttwid="+r.ttwid+";")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrHandshake, err)
	}
	defer resp.Body.Close()

	var payload struct {
		Data struct {
			RoomStatus int `json:"room_status"`
			User       struct {
				IDStr    string `json:"id_str"`
				Nickname string `json:"nickname"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrHandshake, err)
	}

	return &RoomStatus{
		Status:     payload.Data.RoomStatus,
		AnchorID:   payload.Data.User.IDStr,
		AnchorName: payload.Data.User.Nickname,
	}, nil
}
