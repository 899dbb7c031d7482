// Package relay 实现房间级的下游分发：一个上游 fetcher 对 N 个订阅者
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qiminjie89/dmrelay/pkg/metrics"
)

// Store 补充信息存储的读接口
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

// TagRecord 下单用户标签
type TagRecord struct {
	ID           string `json:"id"`
	OrderNameID  string `json:"orderNameId"`
	OrderNumber  string `json:"orderNumber"`
	OrderAmounts string `json:"orderAmounts"`
}

// BlacklistRecord 黑名单信息
type BlacklistRecord struct {
	BlackLevel   int
	CreatedUsers []string
}

// Enricher 在聊天事件发出前补充标签和黑名单信息。
// 所有查询尽力而为：失败一律按"无记录"处理，不向调用方抛错
type Enricher struct {
	store   Store
	scope   string
	timeout time.Duration
}

// NewEnricher 创建 Enricher。store 为 nil 时所有查询返回空
func NewEnricher(store Store, scope string, timeout time.Duration) *Enricher {
	return &Enricher{store: store, scope: scope, timeout: timeout}
}

// LookupTag 查询用户标签，键为 orderUser:<scope>:<roomId>:<userId>。
// 值是双层 JSON 编码，需要先解出内层字符串
func (e *Enricher) LookupTag(roomID, userID string) *TagRecord {
	raw, ok := e.get(fmt.Sprintf("orderUser:%s:%s:%s", e.scope, roomID, userID), "tag")
	if !ok {
		return nil
	}

	data := []byte(raw)
	var inner string
	if err := json.Unmarshal(data, &inner); err == nil {
		data = []byte(inner)
	}

	var rec TagRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		metrics.EnrichLookupFailures.WithLabelValues("tag").Inc()
		return nil
	}
	return &rec
}

// LookupBlacklist 查询黑名单，键为 black:<userId>。
// createdUsers 带 ["java.util.ArrayList", [...]] 包装，解出第二个元素；
// 形状不符时返回空列表
func (e *Enricher) LookupBlacklist(userID string) BlacklistRecord {
	rec := BlacklistRecord{CreatedUsers: []string{}}

	raw, ok := e.get("black:"+userID, "blacklist")
	if !ok {
		return rec
	}

	var decoded struct {
		BlackLevel   int             `json:"blackLevel"`
		CreatedUsers json.RawMessage `json:"createdUsers"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		metrics.EnrichLookupFailures.WithLabelValues("blacklist").Inc()
		return rec
	}
	rec.BlackLevel = decoded.BlackLevel

	var wrapper []json.RawMessage
	if err := json.Unmarshal(decoded.CreatedUsers, &wrapper); err == nil && len(wrapper) == 2 {
		var users []string
		if err := json.Unmarshal(wrapper[1], &users); err == nil && users != nil {
			rec.CreatedUsers = users
		}
	}
	return rec
}

func (e *Enricher) get(key, kind string) (string, bool) {
	if e == nil || e.store == nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	raw, err := e.store.Get(ctx, key)
	if err != nil || raw == "" {
		if err != nil {
			metrics.EnrichLookupFailures.WithLabelValues(kind).Inc()
		}
		return "", false
	}
	return raw, true
}
