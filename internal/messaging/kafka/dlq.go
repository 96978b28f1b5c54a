package kafka

import (
	"encoding/json"
	"fmt"
)

// DLQEntry — сообщение, которое consumer не смог обработать за maxRetries попыток.
// Исходное сообщение хранится целиком, чтобы его можно было переиграть.
type DLQEntry struct {
	OriginalTopic     string `json:"x-original-topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"x-error-message,omitempty"`
	FailedAt          string `json:"x-failed-at"`
	RetryCount        int    `json:"x-retry-count"`
}

// DecodeDLQEntry разбирает запись consumer DLQ. ok=false означает,
// что значение не похоже на такую запись (например, это outbox DLQ).
func DecodeDLQEntry(value []byte) (entry DLQEntry, ok bool, err error) {
	if err := json.Unmarshal(value, &entry); err != nil {
		return DLQEntry{}, false, fmt.Errorf("decode dlq entry: %w", err)
	}
	if entry.OriginalValue == "" {
		return DLQEntry{}, false, nil
	}
	return entry, true, nil
}
