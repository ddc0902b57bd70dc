package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/actors"
	"github.com/deemkeen/fedicore/db"
	"github.com/deemkeen/fedicore/delivery"
	"github.com/deemkeen/fedicore/dispatch"
	"github.com/deemkeen/fedicore/domain"
	"github.com/deemkeen/fedicore/notify"
	"github.com/deemkeen/fedicore/objects"
	"github.com/deemkeen/fedicore/relationships"
	"github.com/deemkeen/fedicore/timeline"
	"github.com/deemkeen/fedicore/util"
	"github.com/deemkeen/fedicore/web"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	bootLog, err := util.NewLogger(false)
	if err != nil {
		log.Fatalln(err)
	}

	conf, err := util.ReadConf(bootLog)
	if err != nil {
		bootLog.Fatalf("Config: %v", err)
	}

	logger, err := util.NewLogger(conf.Conf.Debug)
	if err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()
	logger.Infow("Starting "+util.GetNameAndVersion(),
		"domain", conf.Conf.SslDomain,
		"httpPort", conf.Conf.HttpPort,
		"withAp", conf.Conf.WithAp,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(ctx context.Context, conf *util.AppConfig, logger *zap.SugaredLogger) error {
	database, err := db.Open(util.ResolveFilePath(conf.Conf.DatabasePath), logger)
	if err != nil {
		return err
	}
	defer database.Close()

	logger.Info("Running database migrations...")
	if err := database.RunMigrations(ctx); err != nil {
		return err
	}

	links := activitypub.NewLinks(conf.Conf.SslDomain)

	cache := actorCache(ctx, conf, logger)
	resolver := actors.NewResolver(database, links, logger,
		actors.WithCache(cache),
		actors.WithTTL(conf.Conf.ActorCacheTTL),
	)

	store := objects.NewStore(database, resolver, links, logger)
	follows := relationships.NewService(database, resolver, links, logger)
	timelines := timeline.NewService(store, follows, resolver, links, logger)

	d := conf.Conf.Delivery
	sender := delivery.NewHTTPSender(database, links, d.Timeout)
	queue := delivery.NewQueue(database, sender, resolver, logger,
		delivery.WithMaxAttempts(d.MaxAttempts),
		delivery.WithHostLimiter(delivery.NewHostLimiter(rate.Limit(d.PerHostRate), d.PerHostBurst)),
	)
	worker := delivery.NewWorker(queue, d.Interval, d.BatchSize, d.Workers, logger)

	notifier := notifications(conf, logger)
	if closer, ok := notifier.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	dispatcher := dispatch.NewDispatcher(queue, resolver, follows, notifier, links, logger)
	defer dispatcher.Wait()

	inbox := activitypub.NewInboxProcessor(follows, store, resolver, database, dispatcher, logger)
	server := web.NewServer(web.Services{
		Accounts:   database,
		Objects:    store,
		Timeline:   timelines,
		Activities: database,
		Follows:    follows,
		Inbox:      inbox,
	}, links, conf, logger)

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	if conf.Conf.WithAp {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(bgCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		maintenance(bgCtx, conf.Conf.StoryCleanupInterval, store, queue, cache, logger)
	}()

	err = web.Router(ctx, server)
	cancel()
	wg.Wait()
	return err
}

func actorCache(ctx context.Context, conf *util.AppConfig, logger *zap.SugaredLogger) actors.Cache {
	if conf.Conf.RedisAddr == "" {
		return actors.NewMemoryCache(conf.Conf.ActorCacheTTL)
	}
	client := redis.NewClient(&redis.Options{Addr: conf.Conf.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warnf("ActorCache: Redis at %s unavailable, using memory cache: %v", conf.Conf.RedisAddr, err)
		return actors.NewMemoryCache(conf.Conf.ActorCacheTTL)
	}
	logger.Infof("ActorCache: Using redis at %s", conf.Conf.RedisAddr)
	return actors.NewRedisCache(client, conf.Conf.ActorCacheTTL, logger)
}

func notifications(conf *util.AppConfig, logger *zap.SugaredLogger) notify.Transport {
	if conf.Conf.AmqpURL == "" {
		return notify.NewLogTransport(logger)
	}
	t, err := notify.DialAMQP(conf.Conf.AmqpURL, conf.Conf.AmqpExchange, logger)
	if err != nil {
		logger.Warnf("Notify: AMQP unavailable, logging notifications instead: %v", err)
		return notify.NewLogTransport(logger)
	}
	logger.Infof("Notify: Publishing to exchange %s", conf.Conf.AmqpExchange)
	return t
}

// maintenance reclaims expired stories, sweeps the in-memory actor cache and
// reports the delivery backlog.
func maintenance(ctx context.Context, interval time.Duration, store *objects.Store, queue *delivery.Queue, cache actors.Cache, logger *zap.SugaredLogger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.CleanupExpiredStories(ctx); err != nil {
				logger.Warnf("Maintenance: Story cleanup failed: %v", err)
			} else if n > 0 {
				logger.Infof("Maintenance: Removed %d expired stories", n)
			}
			if mem, ok := cache.(*actors.MemoryCache); ok {
				mem.Sweep()
			}
			if stats, err := queue.Stats(ctx); err == nil {
				logger.Infow("Maintenance: Delivery queue",
					"pending", stats[domain.DeliveryPending],
					"delivered", stats[domain.DeliveryDelivered],
					"failed", stats[domain.DeliveryFailed],
				)
			}
		}
	}
}
