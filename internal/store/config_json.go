package store

import (
	"encoding/json"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

func marshalConfig(cfg models.RoomConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
