package tuya

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// GetDeviceStatus returns the device's online flag and current data points.
func (c *Client) GetDeviceStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	var status DeviceStatus
	if err := c.get(ctx, fmt.Sprintf("/v1.0/devices/%s", deviceID), nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get device status: %w", err)
	}

	c.logger.Debug("fetched device status",
		zap.String("device_id", deviceID),
		zap.Bool("online", status.Online),
		zap.Int("data_points", len(status.Status)))

	return &status, nil
}
