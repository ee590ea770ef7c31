package classifier

import (
	"fmt"
	"strings"
	"time"
)

// SensorType describes the source of measurements a model expects.
type SensorType string

const (
	SensorTypeUnknown       SensorType = "unknown"
	SensorTypeMicrophone    SensorType = "microphone"
	SensorTypeAccelerometer SensorType = "accelerometer"
	SensorTypeCamera        SensorType = "camera"
)

// ModelParameters are reported by the model process on hello.
type ModelParameters struct {
	ModelType          string     `json:"model_type"`
	Sensor             int64      `json:"sensor"`
	SensorType         SensorType `json:"-"`
	IntervalMS         float64    `json:"interval_ms"`
	Frequency          float64    `json:"frequency"`
	InputFeaturesCount int        `json:"input_features_count"`
	Labels             []string   `json:"labels"`
	LabelCount         int        `json:"label_count"`
	HasAnomaly         float64    `json:"has_anomaly"`
}

func (p *ModelParameters) resolveSensor() {
	if p.ModelType == "" {
		p.ModelType = "classification"
	}
	switch p.Sensor {
	case 1:
		p.SensorType = SensorTypeMicrophone
	case 2:
		p.SensorType = SensorTypeAccelerometer
	case 3:
		p.SensorType = SensorTypeCamera
	default:
		p.SensorType = SensorTypeUnknown
	}
}

// WindowLength is the audio duration covered by one input window.
func (p ModelParameters) WindowLength() time.Duration {
	if p.Frequency <= 0 {
		return 0
	}
	return time.Duration(float64(p.InputFeaturesCount) / p.Frequency * float64(time.Second))
}

// String returns a human-readable summary of the model parameters.
func (p ModelParameters) String() string {
	s := fmt.Sprintf("%s, frequency %vHz, window length %v", p.SensorType, p.Frequency, p.WindowLength())
	if len(p.Labels) > 0 {
		s += ", classes " + strings.Join(p.Labels, ",")
	}
	if p.HasAnomaly != 0 {
		s += ", anomaly detection"
	}
	return s
}

// Project holds project information embedded in the model.
type Project struct {
	DeployVersion int64  `json:"deploy_version"`
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Owner         string `json:"owner"`
}

// String returns human-readable project info.
func (p Project) String() string {
	return fmt.Sprintf("%s/%s (v%v)", p.Owner, p.Name, p.DeployVersion)
}
