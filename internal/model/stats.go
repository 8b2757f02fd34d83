package model

// StorageStats はストレージ使用状況の統計を表す。
type StorageStats struct {
	TotalDocuments  int            `json:"totalDocuments"`
	EstimatedBytes  int64          `json:"estimatedBytes"`
	EstimatedSizeMB float64        `json:"estimatedSizeMB"`
	PercentOfLimit  float64        `json:"percentOfLimit"`
	CategoryCounts  map[string]int `json:"categoryCounts"`
	OldestArticle   *string        `json:"oldestArticle"` // RFC3339
	NewestArticle   *string        `json:"newestArticle"` // RFC3339
}

// EnforceResult はクォータ適用1回分の結果を表す。
type EnforceResult struct {
	RetentionDeleted int           `json:"retentionDeleted"`
	LimitDeleted     int           `json:"limitDeleted"`
	Stats            *StorageStats `json:"stats"`
}
