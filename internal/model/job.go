package model

// MaxJobAttempts はエンリッチメントジョブが終端状態(failed)になるまでの試行回数。
const MaxJobAttempts = 3

// EnrichmentJob は非同期エンリッチメントキューのジョブを表す。
// 成功時は削除され、MaxJobAttempts回失敗するとfailedで終端する。
type EnrichmentJob struct {
	ID        string `json:"id" bson:"_id"`
	ArticleID string `json:"articleId" bson:"articleId"`
	Status    Status `json:"status" bson:"status"`
	Attempts  int    `json:"attempts" bson:"attempts"`
	LastError string `json:"lastError,omitempty" bson:"lastError,omitempty"`
	CreatedAt int64  `json:"createdAt" bson:"createdAt"`
	UpdatedAt int64  `json:"updatedAt" bson:"updatedAt"`
	StartedAt int64  `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
}

// NextStatusAfterFailure は失敗回数から次のジョブ状態を返す。
func NextStatusAfterFailure(attempts int) Status {
	if attempts >= MaxJobAttempts {
		return StatusFailed
	}
	return StatusPending
}
