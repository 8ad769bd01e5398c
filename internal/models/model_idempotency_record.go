package models

import (
	"time"

	"gorm.io/datatypes"
)

type IdempotencyRecordState string

const (
	IdempotencyRecordStateInFlight  IdempotencyRecordState = "in_flight"
	IdempotencyRecordStateCompleted IdempotencyRecordState = "completed"
	IdempotencyRecordStateFailed    IdempotencyRecordState = "failed"
)

// IdempotencyRecord maps (scope, key) to a cached outcome. The unique index
// over (scope, key) is what makes Claim atomic.
type IdempotencyRecord struct {
	ID    string `gorm:"column:id;primary_key;type:uuid" json:"id"`
	Scope string `gorm:"column:scope;type:varchar(192);not null;uniqueIndex:unique_scope_key,priority:1" json:"scope"`
	Key   string `gorm:"column:key;type:varchar(128);not null;uniqueIndex:unique_scope_key,priority:2" json:"key"`
	// Fingerprint 首次请求的语义指纹
	Fingerprint string                 `gorm:"column:fingerprint;type:varchar(64);not null" json:"fingerprint"`
	State       IdempotencyRecordState `gorm:"column:state;type:varchar(32);not null" json:"state"`
	// Response 成功后缓存的响应，重复请求直接返回
	Response  *datatypes.JSON `gorm:"column:response;type:jsonb" json:"response"`
	ExpiresAt time.Time       `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_record"
}

func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return r != nil && now.After(r.ExpiresAt)
}
