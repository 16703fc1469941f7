// Package mqtt mirrors coordinator events onto an MQTT broker and
// accepts operator commands from it. Events go out under
// <prefix>/event/<type>, commands come in under <prefix>/command/.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"zigpan/internal/coordinator"
	"zigpan/internal/frame"
	"zigpan/internal/nwk"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

func eventTopic(prefix, eventType string) string {
	return prefix + "/event/" + eventType
}

func commandTopic(prefix, name string) string {
	return prefix + "/command/" + name
}

type permitJoinCommand struct {
	Duration uint16 `json:"duration"` // seconds, zero closes the window
}

func parsePermitJoin(payload []byte) (time.Duration, error) {
	var cmd permitJoinCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return 0, err
	}
	return time.Duration(cmd.Duration) * time.Second, nil
}

type sendCommand struct {
	IEEE     string `json:"ieee"`
	Endpoint uint8  `json:"endpoint"`
	Cluster  uint16 `json:"cluster"`
	Profile  uint16 `json:"profile,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	Ack      bool   `json:"ack,omitempty"`
}

func parseSendCommand(payload []byte) (nwk.Command, error) {
	var cmd sendCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nwk.Command{}, err
	}
	ieee, err := coordinator.ParseIEEE(cmd.IEEE)
	if err != nil {
		return nwk.Command{}, fmt.Errorf("ieee: %w", err)
	}
	return nwk.Command{
		IEEE:       ieee,
		Endpoint:   cmd.Endpoint,
		Cluster:    cmd.Cluster,
		Profile:    cmd.Profile,
		Payload:    cmd.Payload,
		AckRequest: cmd.Ack,
	}, nil
}

type removeCommand struct {
	IEEE string `json:"ieee"`
}

func parseRemove(payload []byte) (frame.IEEEAddr, error) {
	var cmd removeCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return 0, err
	}
	return coordinator.ParseIEEE(cmd.IEEE)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
