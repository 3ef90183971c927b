package tuya

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Vendor log category for data point reports.
const logTypeDataPoint = "7"

// LogPager walks the device log endpoint backward through a time window.
// Each page is newest-first; the end-time cursor moves to one millisecond
// before the oldest event of the previous page.
type LogPager struct {
	client   *Client
	deviceID string
	start    int64
	cursor   int64
	pages    int
	done     bool
}

// NewLogPager creates a pager over [startMillis, endMillis].
func (c *Client) NewLogPager(deviceID string, startMillis, endMillis int64) *LogPager {
	return &LogPager{
		client:   c,
		deviceID: deviceID,
		start:    startMillis,
		cursor:   endMillis,
		done:     endMillis < startMillis,
	}
}

// Done reports whether the window is exhausted.
func (p *LogPager) Done() bool {
	return p.done
}

// Pages is the number of pages requested so far.
func (p *LogPager) Pages() int {
	return p.pages
}

// Cursor is the end time the next page will be requested with.
func (p *LogPager) Cursor() int64 {
	return p.cursor
}

// Next fetches the next page. After an error the pager is done.
func (p *LogPager) Next(ctx context.Context) ([]DeviceLog, error) {
	if p.done {
		return nil, nil
	}

	if p.pages > 0 && p.client.pageDelay > 0 {
		if err := sleep(ctx, p.client.pageDelay); err != nil {
			p.done = true
			return nil, err
		}
	}

	params := map[string]string{
		"type":       logTypeDataPoint,
		"start_time": strconv.FormatInt(p.start, 10),
		"end_time":   strconv.FormatInt(p.cursor, 10),
		"size":       strconv.Itoa(p.client.pageSize),
	}

	p.pages++
	var result logsResult
	if err := p.client.get(ctx, fmt.Sprintf("/v1.0/devices/%s/logs", p.deviceID), params, &result); err != nil {
		p.done = true
		return nil, err
	}

	if len(result.Logs) == 0 || !result.HasNext {
		p.done = true
		return result.Logs, nil
	}

	oldest := result.Logs[0].EventTime
	for _, l := range result.Logs[1:] {
		if l.EventTime < oldest {
			oldest = l.EventTime
		}
	}

	next := oldest - 1
	// A cursor that does not move backward would repeat the same page.
	if next <= p.start || next >= p.cursor {
		p.done = true
	} else {
		p.cursor = next
	}

	return result.Logs, nil
}

// FetchResult is the outcome of draining a window.
type FetchResult struct {
	Logs    []DeviceLog
	Pages   int
	Partial bool
}

// FetchLogs drains every page of [startMillis, endMillis]. Authentication
// failures are returned as errors. Any other page failure stops pagination
// and the logs collected so far come back with Partial set.
func (c *Client) FetchLogs(ctx context.Context, deviceID string, startMillis, endMillis int64) (*FetchResult, error) {
	pager := c.NewLogPager(deviceID, startMillis, endMillis)
	result := &FetchResult{}

	for !pager.Done() {
		logs, err := pager.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return nil, err
			}
			c.logger.Warn("log pagination stopped early, returning partial result",
				zap.String("device_id", deviceID),
				zap.Int("page", pager.Pages()),
				zap.Int("logs_so_far", len(result.Logs)),
				zap.Error(err))
			result.Partial = true
			break
		}
		result.Logs = append(result.Logs, logs...)
	}

	result.Pages = pager.Pages()

	c.logger.Info("fetched device logs",
		zap.String("device_id", deviceID),
		zap.Int64("start_time", startMillis),
		zap.Int64("end_time", endMillis),
		zap.Int("pages", result.Pages),
		zap.Int("logs", len(result.Logs)),
		zap.Bool("partial", result.Partial))

	return result, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
