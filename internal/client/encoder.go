package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
)

// Base64FileEncoder turns a local image path into the base64 transfer
// encoding the recognition service expects. The engine caches the output on
// the job, so a retried job never re-reads the file.
type Base64FileEncoder struct {
	// MaxBytes guards against encoding something that clearly isn't a
	// camera photo. Zero means the default 15 MiB.
	MaxBytes int64
}

func (e *Base64FileEncoder) Encode(ctx context.Context, imageRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	limit := e.MaxBytes
	if limit <= 0 {
		limit = 15 << 20
	}
	info, err := os.Stat(imageRef)
	if err != nil {
		return "", err
	}
	if info.Size() > limit {
		return "", fmt.Errorf("image %s is %d bytes, over the %d byte limit", imageRef, info.Size(), limit)
	}
	data, err := os.ReadFile(imageRef)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
