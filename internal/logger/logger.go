package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	c "github.com/life-stream-dev/life-stream-go-roomsocket/internal/config"
)

const (
	LevelFatal slog.Level = 12

	logRetention = 30 * 24 * time.Hour
)

// asyncCore 由同一 Init 派生出的所有 handler 共享，负责异步写出与按日轮转
type asyncCore struct {
	ch          chan []byte
	stdout      io.Writer
	writer      io.Writer
	currentDay  int      // 当前日志日期（day of year）
	currentFile *os.File // 当前日志文件
	basePath    string   // 日志文件目录，为空时仅输出到标准输出
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	core     *asyncCore
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(basePath string, logLevel slog.Level) *AsyncHandler {
	core := &asyncCore{
		ch:       make(chan []byte, 1024),
		stdout:   os.Stdout,
		writer:   os.Stdout,
		basePath: basePath,
	}
	_ = core.rotateIfNeeded()
	core.wg.Add(1)
	go core.startWorker()
	return &AsyncHandler{core: core, logLevel: logLevel}
}

// cleanOldLogs 删除超过保留期的日志
func (core *asyncCore) cleanOldLogs() {
	files, _ := filepath.Glob(filepath.Join(core.basePath, "*.log"))
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > logRetention {
			_ = os.Remove(f)
		}
	}
}

// rotateIfNeeded 跨天时切换到新的日志文件
func (core *asyncCore) rotateIfNeeded() error {
	if core.basePath == "" {
		return nil
	}
	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == core.currentDay && core.currentFile != nil {
		return nil
	}

	if core.currentFile != nil {
		if err := core.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		core.currentFile = nil
		core.writer = core.stdout
	}

	logPath := filepath.Join(core.basePath, now.Format("2006-01-02")+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	core.currentFile = f
	core.currentDay = currentDay
	core.writer = io.MultiWriter(core.stdout, core.currentFile)
	core.cleanOldLogs()
	return nil
}

func (core *asyncCore) startWorker() {
	defer core.wg.Done()
	for data := range core.ch {
		if err := core.rotateIfNeeded(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
		_, _ = core.writer.Write(data)
	}
}

func (core *asyncCore) close() error {
	core.closeOnce.Do(func() {
		close(core.ch)
		core.wg.Wait()
		if core.currentFile != nil {
			_ = core.currentFile.Sync()
			_ = core.currentFile.Close()
		}
	})
	return nil
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	// 基础格式：时间 | 级别 | 消息
	var line strings.Builder
	line.WriteString(fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	))

	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
	}
	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
		return true
	})

	line.WriteString("\n")
	h.Write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)

	return &AsyncHandler{
		core:     h.core,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		core:     h.core,
		attrs:    h.attrs,
		group:    name,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) Write(p []byte) {
	// 拷贝数据避免竞态
	pb := make([]byte, len(p))
	copy(pb, p)
	h.core.ch <- pb
}

func (h *AsyncHandler) Close() error {
	return h.core.close()
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(ctx context.Context) error {
	return lc.handler.Close()
}

func Init(cfg c.Config) *ShutdownCallback {
	level := slog.LevelInfo
	if cfg.DebugMode {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(cfg.LogDir, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
