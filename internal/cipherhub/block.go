package cipherhub

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/owulveryck/cipherhub/internal/envelope"
	"github.com/owulveryck/cipherhub/internal/exchange"
)

// parseBlock reads wait_count and wait_time from the query string.
// wait_time is a number of seconds, with Go duration strings accepted
// as an extension.
func parseBlock(c *gin.Context) (exchange.HowLongToBlock, error) {
	var block exchange.HowLongToBlock
	if raw, ok := c.GetQuery("wait_count"); ok {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return block, fmt.Errorf("invalid wait_count %q", raw)
		}
		count := uint(n)
		block.WaitCount = &count
	}
	if raw, ok := c.GetQuery("wait_time"); ok {
		d, err := parseWaitTime(raw)
		if err != nil {
			return block, err
		}
		block.WaitTime = &d
	}
	return block, nil
}

func parseWaitTime(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("wait_time must not be negative")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait_time %q", raw)
	}
	return d, nil
}

// blockStatus maps a finished wait to 200 or 206 Partial Content.
func blockStatus(block exchange.HowLongToBlock, n int) int {
	if block.Satisfied(n) {
		return http.StatusOK
	}
	return http.StatusPartialContent
}

// parseIdentity reads an optional identity query parameter.
func parseIdentity(c *gin.Context, name string) (envelope.AppOrProxyID, bool, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return envelope.AppOrProxyID{}, false, nil
	}
	id, err := envelope.ParseAppOrProxyID(raw)
	if err != nil {
		return envelope.AppOrProxyID{}, false, fmt.Errorf("invalid %s: %v", name, err)
	}
	return id, true, nil
}
