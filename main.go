package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dilemma-agg/internal/config"
	"dilemma-agg/internal/db"
	"dilemma-agg/internal/logger"
	"dilemma-agg/internal/router"
	"dilemma-agg/internal/service"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dilemma-agg",
		Short:         "跨 run 合并分析结果的 Aggregate 服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")

	root.AddCommand(newServeCommand(&configPath), newRecomputeCommand(&configPath))
	return root
}

// bootstrap 加载配置、初始化日志和数据库
func bootstrap(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.Log.Level, cfg.Log.JSON); err != nil {
		return nil, errors.Wrap(err, "初始化日志失败")
	}
	if err := db.InitDB(cfg); err != nil {
		return nil, errors.Wrap(err, "初始化数据库失败")
	}
	return cfg, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务和任务队列",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			svcCtx := service.NewServiceContext(cfg, db.DB, nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
				Handler: router.SetupRouter(svcCtx),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return svcCtx.Queue.Run(gctx)
			})
			g.Go(func() error {
				logger.Logger.Infow("服务启动", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "启动服务失败")
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				logger.Logger.Infow("服务关闭中")
				return srv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newRecomputeCommand(configPath *string) *cobra.Command {
	var definitionID string
	var preamble string

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "同步重算某个 definition 的 Aggregate run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// 不传 --preamble 表示 null 兼容键
			var preambleVersionID *string
			if cmd.Flags().Changed("preamble") {
				preambleVersionID = &preamble
			}

			coordinator := service.NewCoordinator(db.DB, cfg.Aggregate)
			result, err := coordinator.Update(cmd.Context(), definitionID, preambleVersionID)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&definitionID, "definition", "", "definition id")
	cmd.Flags().StringVar(&preamble, "preamble", "", "preamble version id")
	_ = cmd.MarkFlagRequired("definition")
	return cmd
}
