// Package ros reads recorded ROS bags and converts their messages into mapping observations and
// frame transforms.
package ros

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/edaniels/gobag/rosbag"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.viam.com/utils"
)

// Message is one decoded bag record: the JSON form of the ROS message with its record time.
type Message struct {
	Topic string
	Time  time.Time
	Data  map[string]interface{}
}

// ReadBag reads the contents of a rosbag into a gobag data structure.
func ReadBag(filename string) (*rosbag.RosBag, error) {
	//nolint:gosec
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open input file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	rb := rosbag.NewRosBag()
	if err := rb.Read(f); err != nil {
		return nil, errors.Wrapf(err, "unable to read ros bag %q", filename)
	}
	return rb, nil
}

// topicKey is the key gobag files a topic's messages under.
func topicKey(topic string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", "_"))
}

// AllMessagesForTopic returns all messages for a specific topic in the ros bag.
func AllMessagesForTopic(rb *rosbag.RosBag, topic string) ([]Message, error) {
	msgs, err := MessagesForTopics(rb, topic)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.Errorf("no messages for topic %s", topic)
	}
	return msgs, nil
}

// MessagesForTopics returns the messages of every listed topic ordered by record time. Topics
// missing from the bag contribute nothing.
func MessagesForTopics(rb *rosbag.RosBag, topics ...string) ([]Message, error) {
	wanted := make(map[string]string, len(topics))
	for _, topic := range topics {
		wanted[topicKey(topic)] = topic
	}
	if err := rb.ParseTopicsToJSON(
		"",
		func(int64) bool { return true },
		func(t string) bool {
			_, ok := wanted[topicKey(t)]
			return ok
		},
		false,
	); err != nil {
		return nil, errors.Wrapf(err, "error while parsing bag to JSON")
	}

	var all []Message
	for key, topic := range wanted {
		buf := rb.TopicsAsJSON[key]
		if buf == nil {
			continue
		}
		for {
			data, err := buf.ReadBytes('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, err
			}
			msg, err := decodeRecord(topic, data)
			if err != nil {
				return nil, err
			}
			all = append(all, msg)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Time.Before(all[j].Time)
	})
	return all, nil
}

// decodeRecord parses one JSON line of the form {"meta": {"secs", "nsecs"}, "data": {...}}.
func decodeRecord(topic string, line []byte) (Message, error) {
	var record struct {
		Meta map[string]interface{} `json:"meta"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(line, &record); err != nil {
		return Message{}, errors.Wrapf(err, "invalid record on topic %s", topic)
	}
	stamp, err := decodeTime(record.Meta)
	if err != nil {
		return Message{}, errors.Wrapf(err, "invalid record time on topic %s", topic)
	}
	return Message{Topic: topic, Time: stamp, Data: record.Data}, nil
}

// decodeTime reads a ROS time, accepting both the ROS 1 (secs/nsecs) and ROS 2 (sec/nanosec)
// field names.
func decodeTime(m map[string]interface{}) (time.Time, error) {
	secs, ok := firstOf(m, "secs", "sec")
	if !ok {
		return time.Time{}, errors.New("missing seconds")
	}
	s, err := cast.ToInt64E(secs)
	if err != nil {
		return time.Time{}, err
	}
	var ns int64
	if nsecs, ok := firstOf(m, "nsecs", "nanosec"); ok {
		if ns, err = cast.ToInt64E(nsecs); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(s, ns), nil
}

func firstOf(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}
