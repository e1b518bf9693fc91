//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"magictunnel/internal/infra/config"
)

func InitializeApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Application, func(), error) {
	wire.Build(AppSet)
	return nil, nil, nil
}
