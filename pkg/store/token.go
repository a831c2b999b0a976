package store

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// pageCursor is the decoded form of a continuation token. The query hash
// ties a token to the query that produced it so a token cannot silently
// resume a different query.
type pageCursor struct {
	Offset    int    `json:"o"`
	QueryHash string `json:"q"`
}

func queryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:8])
}

// encodeToken builds an opaque continuation token for the next page.
func encodeToken(query string, offset int) string {
	data, _ := json.Marshal(pageCursor{Offset: offset, QueryHash: queryHash(query)})
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeToken validates and decodes a continuation token against the
// query it is being used with. An empty token means the first page.
func decodeToken(query, token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("store: invalid continuation token: %w", err)
	}
	var c pageCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, fmt.Errorf("store: invalid continuation token: %w", err)
	}
	if c.QueryHash != queryHash(query) || c.Offset < 0 {
		return 0, fmt.Errorf("store: continuation token does not match query")
	}
	return c.Offset, nil
}
