package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"workhub/api"
	"workhub/internal/config"
	"workhub/internal/infra"
	"workhub/internal/infra/queue"
	"workhub/internal/logger"
	"workhub/internal/metrics"
	"workhub/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, os.Getenv("APP_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()

	log.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
	)

	// 3. 数据库
	db, err := infra.OpenDatabase(&cfg.Database, log)
	if err != nil {
		log.Fatal("初始化数据库失败", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := infra.AutoMigrate(db, log, api.Models()...); err != nil {
			log.Fatal("数据库迁移失败", zap.Error(err))
		}
	} else {
		log.Info("跳过自动迁移（配置已禁用）")
	}

	// 4. Redis 与队列
	rdb, err := infra.OpenRedis(&cfg.Redis, log)
	if err != nil {
		log.Warn("Redis 不可用，触发去重退回数据库", zap.Error(err))
		rdb = nil
	}
	queueClient := queue.NewClient(cfg.Redis, log.Named("queue"))
	inspector := queue.NewInspector(cfg.Redis)

	// 5. 指标
	m := metrics.New()
	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()
	if sqlDB, err := db.DB(); err == nil {
		go metrics.NewDBStatsCollector(sqlDB, m, 15*time.Second).Run(rootCtx)
	}

	// 6. 服务容器与路由
	container, err := api.NewContainer(rootCtx, cfg, api.Infra{
		DB:        db,
		Redis:     rdb,
		Queue:     queueClient,
		Inspector: inspector,
		Metrics:   m,
	}, log)
	if err != nil {
		log.Fatal("初始化服务失败", zap.Error(err))
	}

	gin.SetMode(cfg.Server.Mode)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.SetupRouter(container),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	// 7. 后台任务与周期调度
	var (
		workerServer *worker.Server
		scheduler    *worker.Scheduler
	)
	if cfg.Worker.Enabled {
		workerServer = worker.NewServer(cfg.Redis, cfg.Worker, container.WorkerDeps(), log.Named("worker"))
		if err := workerServer.Start(); err != nil {
			log.Fatal("Worker 服务器启动失败", zap.Error(err))
		}
		scheduler, err = worker.NewScheduler(cfg.Redis, cfg.Worker, log.Named("scheduler"))
		if err != nil {
			log.Fatal("初始化周期任务失败", zap.Error(err))
		}
		if err := scheduler.Start(); err != nil {
			log.Fatal("周期任务启动失败", zap.Error(err))
		}
	} else {
		log.Info("Worker 已禁用，仅提供 HTTP 接口")
	}

	// 8. 优雅关闭
	gracefulShutdown(log, server, workerServer, scheduler, queueClient, inspector, rdb, db, stop)
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		} else {
			fmt.Printf("已加载环境变量文件: %s\n", path)
		}
	} else {
		fmt.Println("未找到 .env 文件，将仅使用系统环境变量和 config/* 配置")
	}
}

// resolveEnvPath 尝试从当前工作目录、可执行文件目录向上查找 .env
func resolveEnvPath() string {
	for _, path := range collectEnvCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func collectEnvCandidates() []string {
	seen := make(map[string]struct{})
	var candidates []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		candidates = append(candidates, path)
	}

	traverse := func(start string) {
		dir := filepath.Clean(start)
		for i := 0; i < 8; i++ {
			if dir == "" || dir == string(filepath.Separator) || dir == "." {
				break
			}
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if wd, err := os.Getwd(); err == nil {
		traverse(wd)
	}
	if exe, err := os.Executable(); err == nil {
		traverse(filepath.Dir(exe))
	}
	return candidates
}

// gracefulShutdown 等待信号后依次关闭 HTTP、worker、调度器与连接
func gracefulShutdown(
	log *zap.Logger,
	server *http.Server,
	workerServer *worker.Server,
	scheduler *worker.Scheduler,
	queueClient *queue.Client,
	inspector *queue.Inspector,
	rdb *redis.Client,
	db *gorm.DB,
	stop context.CancelFunc,
) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("服务器关闭异常", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Shutdown()
	}
	if workerServer != nil {
		workerServer.Shutdown()
	}
	stop()

	if err := queueClient.Close(); err != nil {
		log.Warn("队列客户端关闭异常", zap.Error(err))
	}
	if err := inspector.Close(); err != nil {
		log.Warn("队列检查器关闭异常", zap.Error(err))
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Warn("Redis 关闭异常", zap.Error(err))
		}
	}
	if err := infra.CloseDatabase(db); err != nil {
		log.Error("数据库关闭异常", zap.Error(err))
	}

	log.Info("服务器已安全关闭")
}
