package main

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Topic suffixes under the main topic. Inbound topics end in "/set".
const (
	topicVolumeSet   = "Volume/set"
	topicChannelsSet = "Volume/channels/set"
	topicStepSet     = "Volume/step/set"
	topicMuteSet     = "Mute/set"
	topicInputSet    = "Active_Input/set"

	topicState        = "State"
	topicVolume       = "Volume"
	topicChannels     = "Volume/channels"
	topicMute         = "Mute"
	topicInput        = "Active_Input"
	topicDegraded     = "Degraded"
	topicAudioStatus  = "Audio_Status"
	topicAvailability = "Availability"
)

// remoteCodec translates between MQTT messages and intents/snapshots. It does
// no I/O so it can be tested without a broker.
type remoteCodec struct {
	main   string
	inputs []string
}

func newRemoteCodec(mainTopic string, inputs []string) remoteCodec {
	return remoteCodec{main: strings.TrimSuffix(mainTopic, "/"), inputs: inputs}
}

func (c remoteCodec) topic(suffix string) string { return c.main + "/" + suffix }

// inbound lists the topics to subscribe to.
func (c remoteCodec) inbound() []string {
	return []string{
		c.topic(topicVolumeSet),
		c.topic(topicChannelsSet),
		c.topic(topicStepSet),
		c.topic(topicMuteSet),
		c.topic(topicInputSet),
	}
}

// channelLevelPayload is the single-channel form of Volume/channels/set.
type channelLevelPayload struct {
	Channel Channel `json:"channel"`
	Level   *int    `json:"level"`
}

// decodeRemoteMessage turns one inbound message into exactly one intent. A
// list payload on Volume/channels/set becomes a single SetChannelLevels.
func (c remoteCodec) decodeRemoteMessage(topic string, payload []byte) (Intent, error) {
	p := strings.TrimSpace(string(payload))
	bad := func(msg string) error {
		return &ProtocolDecodeError{Topic: topic, Payload: p, Msg: msg}
	}

	suffix, ok := strings.CutPrefix(topic, c.main+"/")
	if !ok {
		return nil, bad("topic outside " + c.main)
	}

	switch suffix {
	case topicVolumeSet:
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, bad("volume must be an integer")
		}
		return SetVolume{Level: n}, nil

	case topicStepSet:
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, bad("step must be an integer")
		}
		if n == 0 {
			return nil, bad("step must not be zero")
		}
		return VolumeDelta{Steps: n}, nil

	case topicChannelsSet:
		return c.decodeChannels(payload, bad)

	case topicMuteSet:
		switch strings.ToLower(p) {
		case "true", "on", "1":
			return SetMute{Muted: true}, nil
		case "false", "off", "0":
			return SetMute{Muted: false}, nil
		case "toggle":
			return ToggleMute{}, nil
		default:
			return nil, bad("mute must be true, false or toggle")
		}

	case topicInputSet:
		if strings.EqualFold(p, "next") {
			return CycleInput{}, nil
		}
		if !containsInput(c.inputs, p) {
			return nil, bad("unknown input")
		}
		return SetInput{ID: p}, nil

	default:
		return nil, bad("unsupported topic")
	}
}

func (c remoteCodec) decodeChannels(payload []byte, bad func(string) error) (Intent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, bad("empty payload")
	}

	switch trimmed[0] {
	case '[':
		var levels []int
		if err := json.Unmarshal(trimmed, &levels); err != nil {
			return nil, bad("channel list must be a JSON array of integers")
		}
		if len(levels) != NumChannels {
			return nil, bad("channel list must have " + strconv.Itoa(NumChannels) + " entries")
		}
		var out SetChannelLevels
		copy(out.Levels[:], levels)
		return out, nil

	case '{':
		var cl channelLevelPayload
		if err := json.Unmarshal(trimmed, &cl); err != nil {
			return nil, bad("invalid channel object: " + err.Error())
		}
		if cl.Level == nil {
			return nil, bad("channel object needs a level")
		}
		return SetChannelVolume{Channel: cl.Channel, Level: *cl.Level}, nil

	default:
		return nil, bad("channel payload must be a list or an object")
	}
}

// remoteMessage is one retained publication.
type remoteMessage struct {
	Topic   string
	Payload []byte
}

// encodeSnapshot renders the outbound topics for a snapshot.
func (c remoteCodec) encodeSnapshot(s Snapshot) ([]remoteMessage, error) {
	state, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	channels, err := json.Marshal(s.ChannelLevels)
	if err != nil {
		return nil, err
	}

	msgs := []remoteMessage{
		{Topic: c.topic(topicState), Payload: state},
		{Topic: c.topic(topicVolume), Payload: []byte(strconv.Itoa(s.Level))},
		{Topic: c.topic(topicChannels), Payload: channels},
		{Topic: c.topic(topicMute), Payload: []byte(strconv.FormatBool(s.Muted))},
		{Topic: c.topic(topicInput), Payload: []byte(s.ActiveInput)},
		{Topic: c.topic(topicDegraded), Payload: []byte(strconv.FormatBool(s.Degraded))},
	}
	if s.AudioStatus != "" {
		msgs = append(msgs, remoteMessage{Topic: c.topic(topicAudioStatus), Payload: []byte(s.AudioStatus)})
	}
	return msgs, nil
}
