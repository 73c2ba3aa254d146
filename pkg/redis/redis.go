package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"resilience/internal/config"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	client        *redis.Client
	config        config.RedisConfig
	logger        *slog.Logger
	mu            sync.RWMutex
	isConnected   bool
	addr          string
	reconnectChan chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

type HealthStatus struct {
	IsConnected    bool          `json:"isConnected"`
	LastPing       time.Time     `json:"lastPing"`
	ResponseTime   time.Duration `json:"responseTime"`
	ConnectionInfo string        `json:"connectionInfo"`
	Error          string        `json:"error,omitempty"`
}

// NewClient creates a Redis client from the store URL and auth token.
// The connection is verified asynchronously; a failed ping only schedules a reconnect.
func NewClient(cfg config.RedisConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		config:        cfg,
		logger:        logger.With("component", "redis"),
		reconnectChan: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	client.connect()
	go client.healthCheckLoop()
	go client.reconnectLoop()

	return client
}

func (c *Client) options() (*redis.Options, error) {
	opt, err := redis.ParseURL(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if c.config.Token != "" {
		opt.Password = c.config.Token
	}
	if c.config.PoolSize > 0 {
		opt.PoolSize = c.config.PoolSize
	}
	opt.MinIdleConns = c.config.MinIdleConns
	opt.MaxRetries = c.config.MaxRetries
	if c.config.RetryDelay > 0 {
		opt.MinRetryBackoff = c.config.RetryDelay
	}
	if c.config.DialTimeout > 0 {
		opt.DialTimeout = c.config.DialTimeout
	}
	if c.config.ReadTimeout > 0 {
		opt.ReadTimeout = c.config.ReadTimeout
	}
	if c.config.WriteTimeout > 0 {
		opt.WriteTimeout = c.config.WriteTimeout
	}
	if c.config.PoolTimeout > 0 {
		opt.PoolTimeout = c.config.PoolTimeout
	}
	return opt, nil
}

// connect establishes the Redis connection with configured options
func (c *Client) connect() {
	opt, err := c.options()
	if err != nil {
		c.logger.Error("redis configuration rejected", "error", err)
		return
	}

	c.mu.Lock()
	c.client = redis.NewClient(opt)
	c.addr = opt.Addr
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = c.GetClient().Ping(ctx).Err()
	c.mu.Lock()
	c.isConnected = err == nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("redis connection test failed", "addr", opt.Addr, "error", err)
	} else {
		c.logger.Info("redis connected", "addr", opt.Addr)
	}
}

// GetClient returns the Redis client instance (thread-safe)
func (c *Client) GetClient() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// IsConnected returns the current connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// HealthCheck performs a health check and returns detailed status
func (c *Client) HealthCheck() HealthStatus {
	c.mu.RLock()
	client := c.client
	status := HealthStatus{
		IsConnected:    c.isConnected,
		ConnectionInfo: c.addr,
	}
	c.mu.RUnlock()

	if client == nil {
		status.Error = "Redis client not initialized"
		return status
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	err := client.Ping(ctx).Err()
	status.ResponseTime = time.Since(start)
	status.LastPing = time.Now()

	c.mu.Lock()
	c.isConnected = err == nil
	c.mu.Unlock()

	if err != nil {
		status.IsConnected = false
		status.Error = err.Error()
		c.triggerReconnect()
	} else {
		status.IsConnected = true
	}

	return status
}

// triggerReconnect signals the reconnection goroutine
func (c *Client) triggerReconnect() {
	select {
	case c.reconnectChan <- struct{}{}:
	default:
		// reconnection already pending
	}
}

func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			status := c.HealthCheck()
			if !status.IsConnected {
				c.logger.Warn("redis health check failed", "error", status.Error)
			}
		}
	}
}

// reconnectLoop handles automatic reconnection with exponential backoff
func (c *Client) reconnectLoop() {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
			if c.IsConnected() {
				continue
			}

			c.logger.Info("attempting to reconnect to redis")

			c.mu.Lock()
			if c.client != nil {
				c.client.Close()
			}
			c.mu.Unlock()

			c.connect()

			if !c.IsConnected() {
				c.logger.Warn("redis reconnection failed", "retry_in", backoff)
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(backoff):
				}

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}

				c.triggerReconnect()
			} else {
				c.logger.Info("reconnected to redis")
				backoff = 1 * time.Second
			}
		}
	}
}

// Close gracefully shuts down the Redis client
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GetConnectionStats returns connection pool statistics
func (c *Client) GetConnectionStats() map[string]interface{} {
	c.mu.RLock()
	client := c.client
	connected := c.isConnected
	c.mu.RUnlock()

	if client == nil {
		return map[string]interface{}{
			"error": "Redis client not initialized",
		}
	}

	stats := client.PoolStats()
	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"totalConns":  stats.TotalConns,
		"idleConns":   stats.IdleConns,
		"staleConns":  stats.StaleConns,
		"isConnected": connected,
	}
}
