package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ActionKind 动作类型
type ActionKind string

const (
	KindPost         ActionKind = "post"
	KindReply        ActionKind = "reply"
	KindLike         ActionKind = "like"
	KindFollow       ActionKind = "follow"
	KindPushDigest   ActionKind = "push_digest"
	KindPushBriefing ActionKind = "push_briefing"
)

// Valid 是否为已知动作类型
func (k ActionKind) Valid() bool {
	switch k {
	case KindPost, KindReply, KindLike, KindFollow, KindPushDigest, KindPushBriefing:
		return true
	}
	return false
}

// ActionStatus 动作状态
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusInFlight  ActionStatus = "in_flight"
	StatusSucceeded ActionStatus = "succeeded"
	StatusFailed    ActionStatus = "failed"
	StatusAbandoned ActionStatus = "abandoned"
)

// IsTerminal 终态不可再变更
func (s ActionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAbandoned
}

// Action 待执行动作（幂等键为主键，跨重启保留用于审计与去重）
type Action struct {
	ID           string       `gorm:"primaryKey;type:varchar(80)"`
	Kind         ActionKind   `gorm:"type:varchar(32);index;not null"`
	Target       string       `gorm:"type:varchar(255);index"`
	Payload      string       `gorm:"type:text"`
	NotBefore    time.Time    `gorm:"index:idx_action_due,priority:2;not null"`
	Status       ActionStatus `gorm:"type:varchar(16);index:idx_action_due,priority:1;not null"`
	AttemptCount int          `gorm:"not null;default:0"`
	LastError    string       `gorm:"type:text"`
	CreatedAt    time.Time    `gorm:"not null"`
	UpdatedAt    time.Time    `gorm:"index;not null"`
}

func (Action) TableName() string { return "actions" }

// DeriveActionID 由 (kind, target, dedupe) 确定性推导幂等键。
// 同一触发器重复投递得到同一 ID，不会产生重复行；
// dedupe 取触发源的稳定标识（如事件 guid），payload 本身可刷新。
func DeriveActionID(kind ActionKind, target, dedupe string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(dedupe))
	return string(kind) + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}
