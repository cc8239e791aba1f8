package mexc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mexc-sniper-bot/internal/errs"
)

const calendarPath = "/api/operation/new_coin_calendar"

// Browser-like user agent; the calendar host sits behind a CDN that blocks
// obvious bot traffic.
const calendarUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// GetCalendar fetches upcoming listings from the web host. The contract is
// graceful degradation: any failure, including CDN block pages, yields an
// empty list rather than an error, so detection keeps running on the other
// sources.
func (c *Client) GetCalendar(ctx context.Context) []CalendarEntry {
	entries, err := c.fetchCalendar(ctx)
	if err != nil {
		if c.metrics != nil {
			code := errs.CodeOf(err)
			if code == "" {
				code = "network"
			}
			c.metrics.APIErrors.WithLabelValues(code).Inc()
		}
		c.logger.Warn().Err(err).Msg("calendar fetch failed, returning empty list")
		return nil
	}
	return entries
}

func (c *Client) fetchCalendar(ctx context.Context) ([]CalendarEntry, error) {
	endpoint := fmt.Sprintf("%s%s?timestamp=%d", c.cfg.WebBaseURL, calendarPath, time.Now().UnixMilli())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError, "building calendar request", err)
	}
	req.Header.Set("User-Agent", calendarUserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", c.cfg.WebBaseURL+"/")
	req.Header.Set("Origin", c.cfg.WebBaseURL)

	breaker := c.breakers[GroupCalendar]
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.calendarClient.Do(req)
	if err != nil {
		c.observe(GroupCalendar, calendarPath, time.Since(start), err)
		breaker.RecordFailure()
		return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError, "calendar request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(GroupCalendar, calendarPath, time.Since(start), err)
		breaker.RecordFailure()
		return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError, "reading calendar response", err)
	}

	if isBlockPage(body) {
		blockErr := errs.ExchangeAPI(errs.CodeCloudflareBlock, "calendar host returned a block page", resp.StatusCode)
		c.observe(GroupCalendar, calendarPath, time.Since(start), blockErr)
		breaker.RecordFailure()
		return nil, blockErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := apiError(resp.StatusCode, body)
		c.observe(GroupCalendar, calendarPath, time.Since(start), apiErr)
		breaker.RecordFailure()
		return nil, apiErr
	}

	entries, err := parseCalendar(body)
	if err != nil {
		c.observe(GroupCalendar, calendarPath, time.Since(start), err)
		breaker.RecordFailure()
		return nil, err
	}
	c.observe(GroupCalendar, calendarPath, time.Since(start), nil)
	breaker.RecordSuccess()
	return entries, nil
}

// isBlockPage detects CDN interstitials by inspecting the first bytes.
func isBlockPage(body []byte) bool {
	head := bytes.ToUpper(bytes.TrimSpace(body))
	if len(head) > 16 {
		head = head[:16]
	}
	return bytes.HasPrefix(head, []byte("<!DOCTYPE")) || bytes.HasPrefix(head, []byte("<HTML"))
}

// parseCalendar handles both payload shapes the endpoint is known to
// serve: data.data.newCoins and data.data.data. Entries without a positive
// firstOpenTime are discarded.
func parseCalendar(body []byte) ([]CalendarEntry, error) {
	var envelope struct {
		Data struct {
			NewCoins []CalendarEntry `json:"newCoins"`
			Data     []CalendarEntry `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errs.Wrap(errs.KindExchangeAPI, errs.CodeAPIError, "parsing calendar payload", err)
	}

	raw := envelope.Data.NewCoins
	if len(raw) == 0 {
		raw = envelope.Data.Data
	}

	entries := make([]CalendarEntry, 0, len(raw))
	for _, e := range raw {
		if e.FirstOpenTime <= 0 {
			continue
		}
		if e.Symbol == "" {
			e.Symbol = strings.ToUpper(e.VcoinName)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
