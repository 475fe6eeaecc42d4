package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"origami_catalog/internal/config"
	"origami_catalog/internal/fetcher"
	"origami_catalog/internal/generation"
	"origami_catalog/internal/provider/openai"
	"origami_catalog/internal/server"
	"origami_catalog/internal/slack"
	"origami_catalog/internal/store"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env", "", "Path to .env file (default: .env)")
	flag.Parse()

	config.LoadEnvironment(*envFile)
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定エラー: %v", err)
	}
	log.Printf("生成設定: %s", cfg.Generation)

	// シグナルハンドリング（SIGINT, SIGTERM）
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	trust, err := config.NewTrustRoot(cfg.Generation.TrustRootPath)
	if err != nil {
		log.Fatalf("トラストルートの読み込みに失敗しました: %v", err)
	}
	if err := trust.StartWatching(ctx); err != nil {
		log.Printf("トラストルートの監視を開始できませんでした: %v", err)
	}

	imageProvider, err := openai.NewClient(cfg.Generation, openai.Options{
		BaseURL:      cfg.OpenAIBaseURL,
		Organization: cfg.OpenAIOrg,
		Model:        cfg.OpenAIImageModel,
		HTTPClient:   fetcher.NewHTTPClient(trust, cfg.Generation.Timeout),
	})
	if err != nil {
		log.Fatalf("画像プロバイダの初期化に失敗しました: %v", err)
	}

	images, err := store.NewLocalImageStore(cfg.ImageStorageDir, cfg.PublicBaseURL)
	if err != nil {
		log.Fatalf("画像ストレージの初期化に失敗しました: %v", err)
	}

	figures, err := openFigureStore(cfg)
	if err != nil {
		log.Fatalf("フィギュアストアの初期化に失敗しました: %v", err)
	}
	defer figures.Close() //nolint:errcheck

	notifier := slack.NewClient(cfg.SlackBotToken, cfg.SlackErrorChannelID)
	if !notifier.Enabled() {
		log.Println("Slack通知は無効です")
	}

	orchestrator := generation.NewOrchestrator(
		imageProvider,
		fetcher.New(trust, fetcher.Options{Timeout: cfg.FetchTimeout}),
		images,
		figures,
		generation.WithNotifier(notifier),
	)

	srv := server.New(figures, images, orchestrator, server.Options{
		GenerationTimeout:       cfg.GenerationTimeout,
		GenerationRatePerMinute: cfg.GenerationRatePerMinute,
		GenerationBurst:         cfg.GenerationBurst,
		StorageRoot:             images.Root(),
		StoragePath:             images.BasePath(),
		ServeStorage:            cfg.ServeStorage,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("サーバーを開始します: %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("サーバー停止エラー: %v", err)
	}
	log.Println("サーバーを停止しました (Shutdown signal received)")
}

func openFigureStore(cfg *config.Config) (store.FigureStorage, error) {
	switch cfg.FigureStore {
	case config.FigureStoreMemory:
		log.Println("[Store] メモリストアを使用します")
		return store.NewMemoryFigureStore(), nil
	case config.FigureStoreRedis:
		log.Println("[Store] Redisストアを使用します")
		return store.NewRedisFigureStore(cfg.RedisURL, cfg.RedisPrefix)
	default:
		log.Printf("[Store] ファイルストアを使用します: %s", cfg.FigureStoreFile)
		return store.NewFileFigureStore(cfg.FigureStoreFile)
	}
}
