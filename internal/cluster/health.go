package cluster

import (
	"context"
	"fmt"
)

// Readiness reports the cluster ready once the API server answers and the
// staging namespace holding the template identities exists.
type Readiness struct {
	Client           Client
	StagingNamespace string
}

func (r Readiness) Health(ctx context.Context) error {
	if _, err := r.Client.Get(ctx, KindNamespace, "", r.StagingNamespace); err != nil {
		return fmt.Errorf("staging namespace %s: %w", r.StagingNamespace, err)
	}
	return nil
}
