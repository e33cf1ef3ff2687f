package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Time marshals to and from a millisecond-epoch JSON integer, the timestamp format used by every frame field and
// every persisted entity the gateway exposes over the wire.
type Time time.Time

// MarshalJSON implements json.Marshaler, emitting the millisecond-epoch integer.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UnixMilli())
}

// UnmarshalJSON implements json.Unmarshaler, accepting a millisecond-epoch integer.
func (t *Time) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("unmarshal wire time: %w", err)
	}
	*t = Time(time.UnixMilli(ms))
	return nil
}

// Std returns the underlying time.Time.
func (t Time) Std() time.Time {
	return time.Time(t)
}

// FromStd converts a time.Time into a wire Time.
func FromStd(t time.Time) Time {
	return Time(t)
}

// NowMillis returns the current time truncated to millisecond-epoch precision, matching what a round trip through
// the wire would produce.
func NowMillis() Time {
	return Time(time.UnixMilli(time.Now().UnixMilli()))
}
