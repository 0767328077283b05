//go:build !gcp

package documents

import (
	"context"
	"fmt"
)

func openGCS(context.Context, GCSConfig) (Vault, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
