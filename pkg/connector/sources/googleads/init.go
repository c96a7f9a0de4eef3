package googleads

import (
	"github.com/adlake/adlake/pkg/connector/registry"
	"github.com/adlake/adlake/pkg/logger"
)

func init() {
	if err := registry.RegisterSource("google_ads", NewSource); err != nil {
		logger.Get().Sugar().Errorf("failed to register google_ads source: %v", err)
	}
}
