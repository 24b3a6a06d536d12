// Package model はドメインモデルを定義する。
package model

import "time"

// Identity はサービスを利用する匿名アイデンティティを表す。
// 端末キーはSHA-256ハッシュのみを保持し、生の値は保存しない。
type Identity struct {
	ID            string
	DeviceKeyHash string
	DisplayName   string
	Timezone      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Session はベアラートークンによるAPIセッションを表す。
// IDがトークンそのもので、Authorizationヘッダーで提示される。
type Session struct {
	ID         string
	IdentityID string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}
