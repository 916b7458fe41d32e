package db

const (
	GetCacheEntry = `SELECT value FROM cache_entries WHERE key = ?`

	UpsertCacheEntry = `
		INSERT INTO cache_entries (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`

	DeleteCacheEntry = `DELETE FROM cache_entries WHERE key = ?`

	ListCacheKeys = `SELECT key FROM cache_entries ORDER BY key ASC`
)
