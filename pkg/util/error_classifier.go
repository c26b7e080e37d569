package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"projectsync/internal/model"
)

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// 已经分类过的错误
	if errors.Is(err, model.ErrTransient) {
		return true, "store_unavailable"
	}
	if model.IsValidation(err) {
		return false, "validation_error"
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}

	// JSON decode errors - 不可重试（数据格式错误）
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// Postgres 错误按 SQLSTATE 分类
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return false, "duplicate_key"
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true, "db_connection_error"
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true, "db_serialization_failure"
		default:
			return false, "db_error"
		}
	}
	if pgconn.SafeToRetry(err) {
		return true, "db_connection_error"
	}

	if errors.Is(err, redis.Nil) {
		return false, "redis_nil"
	}
	if errors.Is(err, redis.ErrClosed) {
		return false, "redis_closed"
	}

	// Context timeout - 可重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true, "connection_reset"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset") {
		return true, "connection_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// ClassifyStoreError wraps retryable errors into a TransientStoreError so
// callers can test for model.ErrTransient. Others are returned wrapped
// with op.
func ClassifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrTransient) || errors.Is(err, model.ErrNotFound) || model.IsValidation(err) {
		return err
	}
	if retryable, _ := IsRetryableError(err); retryable {
		return &model.TransientStoreError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
