package job

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loop 定时执行 fn，直到 ctx 取消或 stopCh 关闭
func loop(ctx context.Context, name string, interval time.Duration, stopCh <-chan struct{}, fn func(ctx context.Context)) {
	logger := log.With().Str("job", name).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Dur("interval", interval).Msg("任务启动")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("收到停止信号，任务退出")
			return
		case <-stopCh:
			logger.Info().Msg("任务停止")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func jobLogger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
