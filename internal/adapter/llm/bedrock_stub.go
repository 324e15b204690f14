//go:build !bedrock

package llm

import (
	"fmt"
	"log/slog"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

func newBedrock(cfg config.BackendConfig, _ *slog.Logger) (domain.Backend, error) {
	return nil, fmt.Errorf("backend %q: bedrock support not compiled in (build with -tags bedrock)", cfg.Name)
}
