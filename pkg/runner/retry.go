// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

const (
	maxRetries = 3
	// maxRetryDelay caps every wait, including server-suggested ones.
	maxRetryDelay     = 2 * time.Minute
	backoffBase       = time.Second
	rateLimitFallback = 30 * time.Second
)

// isRetryable classifies an error as transient. Network-level failures,
// HTTP 429 and any 5xx retry; other 4xx do not.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.ECONNREFUSED,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// retryDelay picks the wait before attempt+1. Rate limits honor the
// server's retry-after when present, defaulting to 30s; everything else
// backs off exponentially from 1s. All delays are clamped to 2 minutes.
func retryDelay(err error, attempt int) time.Duration {
	var delay time.Duration

	var apierr *anthropic.Error
	if errors.As(err, &apierr) && apierr.StatusCode == 429 {
		delay = rateLimitFallback
		if apierr.Response != nil {
			if secs, convErr := strconv.Atoi(apierr.Response.Header.Get("Retry-After")); convErr == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
	} else {
		delay = backoffBase << attempt
	}

	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// sleepCtx is an abortable sleep: it returns early with the context error
// when the session is cancelled mid-backoff.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
