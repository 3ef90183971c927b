package tuya

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// apiResponse is the envelope every OpenAPI endpoint returns.
type apiResponse struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	T       int64           `json:"t"`
	Result  json.RawMessage `json:"result"`
}

type tokenResult struct {
	AccessToken  string `json:"access_token"`
	ExpireTime   int64  `json:"expire_time"`
	RefreshToken string `json:"refresh_token"`
	UID          string `json:"uid"`
}

type logsResult struct {
	DeviceID      string      `json:"device_id"`
	Logs          []DeviceLog `json:"logs"`
	HasNext       bool        `json:"has_next"`
	CurrentRowKey string      `json:"current_row_key"`
}

// FlexString accepts a JSON string, number or bool and keeps its text.
// The vendor is inconsistent about quoting log values and metadata.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}

func (f FlexString) String() string {
	return string(f)
}

// DeviceLog is one entry from the device log endpoint.
type DeviceLog struct {
	EventTime int64      `json:"event_time"`
	Code      string     `json:"code"`
	Value     FlexString `json:"value"`
	Status    FlexString `json:"status"`
	EventFrom FlexString `json:"event_from"`
	EventID   FlexString `json:"event_id"`
}

// StatusPoint is one data point of a device's current state.
type StatusPoint struct {
	Code  string     `json:"code"`
	Value FlexString `json:"value"`
}

// DeviceStatus is the subset of the device info endpoint used for reports.
type DeviceStatus struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Online     bool          `json:"online"`
	UpdateTime int64         `json:"update_time"`
	Status     []StatusPoint `json:"status"`
}

// Value returns the raw value reported for code.
func (d *DeviceStatus) Value(code string) (string, bool) {
	for _, p := range d.Status {
		if p.Code == code {
			return string(p.Value), true
		}
	}
	return "", false
}

// Float returns the numeric value reported for code, nil when the code is
// missing or not a number.
func (d *DeviceStatus) Float(code string) *float64 {
	raw, ok := d.Value(code)
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

// APIError is a response with success=false.
type APIError struct {
	Path string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[TUYA] %s failed: %s (code: %d)", e.Path, e.Msg, e.Code)
}
