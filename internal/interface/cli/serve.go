package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	httpapi "github.com/jinford/product-rag/internal/interface/http"
)

const shutdownTimeout = 10 * time.Second

// ServeAction は REST API サーバーを起動する
// ctx がキャンセルされるとグレースフルシャットダウンする
func (r *Runner) ServeAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := r.NewIndexedAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	log := appCtx.Logger()

	port := c.Config.Server.Port
	if p := cmd.Int("port"); p > 0 {
		port = p
	}
	addr := fmt.Sprintf(":%d", port)

	handler := httpapi.New(c.Catalog, c.Engine, c.Orchestrator, c.Validator,
		httpapi.WithLogger(log),
		httpapi.WithMetricsHandler(c.Metrics.Handler()),
	)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	c.StartResync(ctx, c.Config.VectorIndex.ResyncInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP サーバーを起動します", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("シャットダウンを開始します")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
		}
		log.Info("サーバーを停止しました")
		return nil
	}
}
