package models

// StoreStats 本地缓冲统计
type StoreStats struct {
	Total    int64 `json:"total"`
	Unposted int64 `json:"unposted"`
	Posted   int64 `json:"posted"`
}
