package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 将普通函数适配为 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error { return f(ctx) }

// Cleaner 进程退出前按注册的逆序执行清理函数，后注册的资源先释放
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleaning       bool
	finished       chan struct{}
	loggerShutdown Callable
	timeout        time.Duration
	exit           func(code int)
}

var cleanerInstance = &Cleaner{timeout: 10 * time.Second, exit: syscall.Exit}

func NewCleaner() *Cleaner {
	return cleanerInstance
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init 监听 SIGINT/SIGTERM，收到信号后执行清理并退出进程
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		c.loggerShutdown = loggerShutdown

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")
			c.Clean()
			c.exit(0)
		}()
	})
}

// Clean 执行所有清理函数，返回出错的数量
// 清理已在进行时等待其完成后返回 0
func (c *Cleaner) Clean() int {
	c.mu.Lock()
	if c.cleaning {
		finished := c.finished
		c.mu.Unlock()
		<-finished
		return 0
	}
	c.cleaning = true // 标记为清理中，阻止后续Add操作
	c.finished = make(chan struct{})
	defer close(c.finished)
	cleanersCopy := make([]Callable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

	var errs []error
	for i := len(cleanersCopy) - 1; i >= 0; i-- {
		func(idx int, callable Callable) {
			logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
			timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), c.timeout)
			defer cancelFunc()
			if err := callable.Invoke(timeoutCtx); err != nil {
				logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
				errs = append(errs, err)
			}
		}(i, cleanersCopy[i])
	}

	if len(errs) > 0 {
		logger.ErrorF("%d errors occurred during cleanup:", len(errs))
		for i, err := range errs {
			logger.ErrorF("Error %d: %v", i+1, err)
		}
	} else {
		logger.Debug("All cleaners executed successfully")
	}
	logger.Info("Cleanup finished, socket offline")

	if c.loggerShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
		}
	}
	return len(errs)
}
