package redis

import (
	"context"
	"time"

	errs "EProject/tools/errs"

	goredis "github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects and pings so a misconfigured address fails at startup, not on
// the first presence write.
func New(c Config) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errs.WrapMsg(err, "redis ping", "addr", c.Addr)
	}
	return rdb, nil
}
