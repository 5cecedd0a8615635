package channel

import "pvgateway/pkg/pva"

// SeverityOutOfRange replaces protocol severities above the normal set.
const SeverityOutOfRange = -1

// maxNormalSeverity is the highest severity passed through unchanged
// (0 no alarm, 1 minor, 2 major).
const maxNormalSeverity = 2

// Reading is a value together with its acquisition metadata.
type Reading struct {
	Value         any     `json:"value"`
	Timestamp     float64 `json:"timestamp"`
	AlarmSeverity int     `json:"alarm_severity"`
}

// BuildReading converts resp with conv and returns both the full reading and
// the bare converted value.
func BuildReading(resp pva.Response, conv Converter) (Reading, any, error) {
	value, err := conv.FromWire(resp.Value)
	if err != nil {
		return Reading{}, nil, err
	}

	severity := resp.Severity
	if severity > maxNormalSeverity {
		severity = SeverityOutOfRange
	}

	return Reading{
		Value:         value,
		Timestamp:     resp.Timestamp,
		AlarmSeverity: severity,
	}, value, nil
}
