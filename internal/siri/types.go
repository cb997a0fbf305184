package siri

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Value is the {"value": "..."} wrapper used for references.
type Value struct {
	Value string `json:"value"`
}

// LocalizedValue is one entry of a multilingual text array.
type LocalizedValue struct {
	Value string `json:"value"`
	Lang  string `json:"lang,omitempty"`
}

// Flag decodes booleans that some producers send as strings.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = false
		return nil
	}
	v, err := strconv.ParseBool(string(b))
	if err != nil {
		return err
	}
	*f = Flag(v)
	return nil
}

type StopMonitoringResponse struct {
	Siri Siri `json:"Siri"`
}

type Siri struct {
	ServiceDelivery ServiceDelivery `json:"ServiceDelivery"`
}

type ServiceDelivery struct {
	ResponseTimestamp         time.Time                `json:"ResponseTimestamp"`
	ProducerRef               string                   `json:"ProducerRef,omitempty"`
	ResponseMessageIdentifier string                   `json:"ResponseMessageIdentifier,omitempty"`
	StopMonitoringDelivery    []StopMonitoringDelivery `json:"StopMonitoringDelivery"`
}

type StopMonitoringDelivery struct {
	ResponseTimestamp  time.Time            `json:"ResponseTimestamp"`
	Version            string               `json:"Version,omitempty"`
	Status             Flag                 `json:"Status"`
	ErrorCondition     *ErrorCondition      `json:"ErrorCondition,omitempty"`
	MonitoredStopVisit []MonitoredStopVisit `json:"MonitoredStopVisit"`
}

type ErrorCondition struct {
	ErrorInformation struct {
		ErrorText string `json:"ErrorText"`
	} `json:"ErrorInformation"`
}

type MonitoredStopVisit struct {
	RecordedAtTime          time.Time               `json:"RecordedAtTime"`
	ItemIdentifier          string                  `json:"ItemIdentifier,omitempty"`
	MonitoringRef           Value                   `json:"MonitoringRef"`
	MonitoredVehicleJourney MonitoredVehicleJourney `json:"MonitoredVehicleJourney"`
}

type FramedVehicleJourneyRef struct {
	DataFrameRef           Value  `json:"DataFrameRef"`
	DatedVehicleJourneyRef string `json:"DatedVehicleJourneyRef"`
}

type MonitoredVehicleJourney struct {
	LineRef                 Value                   `json:"LineRef"`
	OperatorRef             Value                   `json:"OperatorRef"`
	FramedVehicleJourneyRef FramedVehicleJourneyRef `json:"FramedVehicleJourneyRef"`
	DirectionRef            Value                   `json:"DirectionRef"`
	DirectionName           []LocalizedValue        `json:"DirectionName,omitempty"`
	DestinationRef          Value                   `json:"DestinationRef"`
	DestinationName         []LocalizedValue        `json:"DestinationName,omitempty"`
	PublishedLineName       []LocalizedValue        `json:"PublishedLineName,omitempty"`
	VehicleJourneyName      []LocalizedValue        `json:"VehicleJourneyName,omitempty"`
	JourneyNote             []LocalizedValue        `json:"JourneyNote,omitempty"`
	MonitoredCall           MonitoredCall           `json:"MonitoredCall"`
}

type MonitoredCall struct {
	StopPointName         []LocalizedValue `json:"StopPointName,omitempty"`
	VehicleAtStop         Flag             `json:"VehicleAtStop"`
	DestinationDisplay    []LocalizedValue `json:"DestinationDisplay,omitempty"`
	AimedArrivalTime      time.Time        `json:"AimedArrivalTime"`
	ExpectedArrivalTime   time.Time        `json:"ExpectedArrivalTime"`
	AimedDepartureTime    time.Time        `json:"AimedDepartureTime"`
	ExpectedDepartureTime time.Time        `json:"ExpectedDepartureTime"`
	ArrivalStatus         string           `json:"ArrivalStatus,omitempty"`
	DepartureStatus       string           `json:"DepartureStatus,omitempty"`
	ArrivalPlatformName   Value            `json:"ArrivalPlatformName"`
	DeparturePlatformName Value            `json:"DeparturePlatformName"`
}

func first(vs []LocalizedValue) string {
	for _, v := range vs {
		if v.Value != "" {
			return v.Value
		}
	}
	return ""
}

// Decode parses a stop-monitoring payload.
func Decode(b []byte) (*StopMonitoringResponse, error) {
	var resp StopMonitoringResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
