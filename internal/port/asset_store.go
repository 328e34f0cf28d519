package port

import "context"

// AssetStore accepts a binary upload and returns a stable content URL.
type AssetStore interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}
