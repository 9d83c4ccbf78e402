package services

import (
	"fmt"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/pkg/utils"
)

// GenerateCredentials mints a stream ID, an ingest stream key and an
// independent chat secret. It has no side effects; nothing is registered.
func GenerateCredentials() (domain.StreamCredentials, error) {
	id, err := utils.GenerateStreamID()
	if err != nil {
		return domain.StreamCredentials{}, fmt.Errorf("generate stream id: %w", err)
	}
	key, err := utils.GenerateSecret()
	if err != nil {
		return domain.StreamCredentials{}, fmt.Errorf("generate stream key: %w", err)
	}
	chat, err := utils.GenerateSecret()
	if err != nil {
		return domain.StreamCredentials{}, fmt.Errorf("generate chat secret: %w", err)
	}

	return domain.StreamCredentials{
		StreamID:   domain.StreamID(id),
		StreamKey:  key,
		ChatSecret: chat,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
