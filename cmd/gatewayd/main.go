package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"EProject/logger"
	"EProject/service/bridge"
	"EProject/service/gateway"
	"EProject/service/storage"
	"EProject/service/storage/redis"
	"EProject/tools"
	"EProject/tools/ids"
	"EProject/tools/security"
)

func main() {
	gatewayID := tools.GetEnv("GW_ID", "msg_gw-1")
	ids.SetNodeID(int64(tools.GetEnvInt("GW_NODE_ID", 1)))

	jwtOpts := security.Options{
		Secret: []byte(tools.GetEnv("GW_JWT_SECRET", "dev-secret-change-me")),
		Alg:    tools.GetEnv("GW_JWT_ALG", "HS256"),
		TTL:    tools.GetEnvDuration("GW_JWT_TTL", 24*time.Hour),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// redis mirror is optional: without it presence stays in-process and
	// cooldowns do not survive restarts
	var mirror gateway.PresenceMirror
	var flags gateway.CooldownStore
	if addr := tools.GetEnv("GW_REDIS_ADDR", ""); addr != "" {
		rdb, err := redis.New(redis.Config{
			Addr:     addr,
			Password: tools.GetEnv("GW_REDIS_PASSWORD", ""),
			DB:       tools.GetEnvInt("GW_REDIS_DB", 0),
		})
		if err != nil {
			logger.Errorf("[boot] redis: %v", err)
			os.Exit(1)
		}
		defer rdb.Close()
		mirror = storage.NewRedisPresence(rdb, tools.GetEnvDuration("GW_PRESENCE_TTL", 5*time.Minute))
		flags = storage.NewRedisCooldown(rdb)
		logger.Infof("[boot] redis mirror at %s", addr)
	}

	mongoURI := tools.GetEnv("GW_MONGO_URI", "mongodb://127.0.0.1:27017")
	mc, err := storage.ConnectMongo(ctx, mongoURI)
	if err != nil {
		logger.Errorf("[boot] mongo: %v", err)
		os.Exit(1)
	}
	defer func() { _ = mc.Disconnect(context.Background()) }()

	store := storage.NewMongoMessages(mc,
		tools.GetEnv("GW_MONGO_DB", "msg_gateway"),
		tools.GetEnv("GW_MONGO_COLL", "messages"),
	)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Errorf("[boot] mongo indexes: %v", err)
		os.Exit(1)
	}

	var pub gateway.Publisher
	var br *bridge.Bridge
	if servers := tools.GetEnv("GW_NATS_SERVERS", ""); servers != "" {
		br, err = bridge.Connect(bridge.Conf{
			Servers:   strings.Split(servers, ","),
			GatewayID: gatewayID,
		})
		if err != nil {
			logger.Errorf("[boot] nats: %v", err)
			os.Exit(1)
		}
		defer br.Close()
		pub = br
		logger.Infof("[boot] nats bridge at %s", servers)
	}

	conf := gateway.Conf{
		Addr:      tools.GetEnv("GW_ADDR", ":8080"),
		GatewayID: gatewayID,
		Registry: gateway.RegistryConf{
			SendQueueSize: tools.GetEnvInt("GW_SEND_QUEUE", 256),
			IdleTTL:       tools.GetEnvDuration("GW_IDLE_TTL", 5*time.Minute),
			MaxPerUser:    tools.GetEnvInt("GW_MAX_PER_USER", 8),
			EvictOldest:   tools.GetEnvBool("GW_EVICT_OLDEST", true),
		},
		Presence: gateway.PresenceConf{
			Debounce: tools.GetEnvDuration("GW_PRESENCE_DEBOUNCE", 2*time.Second),
		},
		Typing: gateway.TypingConf{
			IdleStop: tools.GetEnvDuration("GW_TYPING_IDLE", 4*time.Second),
		},
		Limiter: gateway.LimiterConf{
			Limit:    tools.GetEnvInt("GW_RATE_LIMIT", 20),
			Window:   tools.GetEnvDuration("GW_RATE_WINDOW", 10*time.Second),
			Cooldown: tools.GetEnvDuration("GW_RATE_COOLDOWN", 5*time.Minute),
		},
	}

	resolver := gateway.NewJWTResolver(jwtOpts)
	srv := gateway.NewServer(conf, resolver, store, pub, mirror, flags)

	if br != nil {
		if err := br.Subscribe(srv.Registry()); err != nil {
			logger.Errorf("[boot] nats subscribe: %v", err)
			os.Exit(1)
		}
	}

	if err := srv.Run(ctx); err != nil {
		logger.Errorf("[http] serve: %v", err)
		os.Exit(1)
	}
	logger.Infof("[boot] gateway %s stopped", gatewayID)
}
