package model

// Lock はリース型分散ロックのドキュメントを表す。
// LeaseUntilを過ぎたリースは解放済みとして扱われる。
type Lock struct {
	Key        string `json:"key" bson:"_id"`
	Owner      string `json:"owner" bson:"owner"`
	LeaseUntil int64  `json:"leaseUntil" bson:"leaseUntil"` // epoch ms
	CreatedAt  int64  `json:"createdAt" bson:"createdAt"`   // epoch ms
}

// Expired は指定時刻(epoch ms)でリースが切れているかどうかを返す。
func (l *Lock) Expired(nowMs int64) bool {
	return l.LeaseUntil < nowMs
}
