package mapping

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/multierr"

	"go.viam.com/occupancy/octree"
	"go.viam.com/occupancy/pointcloud"
)

// Published topics.
const (
	TopicProfileCloud  = "profile_cloud"
	TopicRGBDCloud     = "rgbd_cloud"
	TopicOccupancyTree = "occupancy_tree"
)

// Payload encodings.
const (
	EncodingPCD    = "pcd"
	EncodingOcTree = "octree"
)

const (
	// UpdateRate is how often the publish loop wakes up.
	UpdateRate = 30
	// publishEvery is the number of wake ups between two publications.
	publishEvery = 30
)

// Message is one published snapshot.
type Message struct {
	Topic    string    `json:"topic"`
	FrameID  string    `json:"frame_id"`
	Stamp    time.Time `json:"stamp"`
	Encoding string    `json:"encoding"`
	Payload  []byte    `json:"payload"`
}

// A Publisher delivers messages to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

func cloudMessage(topic, frame string, stamp time.Time, cloud *pointcloud.Cloud) (Message, error) {
	var buf bytes.Buffer
	if err := pointcloud.ToPCD(cloud, &buf, pointcloud.PCDBinary); err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, FrameID: frame, Stamp: stamp, Encoding: EncodingPCD, Payload: buf.Bytes()}, nil
}

func treeMessage(topic, frame string, stamp time.Time, tree *octree.OcTree) (Message, error) {
	var buf bytes.Buffer
	if err := tree.Write(&buf); err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, FrameID: frame, Stamp: stamp, Encoding: EncodingOcTree, Payload: buf.Bytes()}, nil
}

// Publish sends the current profile cloud, rgbd cloud and occupancy tree, skipping the ones that
// do not exist yet.
func (m *Module) Publish(ctx context.Context) error {
	if m.publisher == nil {
		return nil
	}
	msgs, err := m.snapshot()
	for _, msg := range msgs {
		err = multierr.Combine(err, m.publisher.Publish(ctx, msg))
	}
	return err
}

// Run publishes snapshots about once a second until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(time.Second / UpdateRate)
	defer ticker.Stop()
	countdown := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		countdown--
		if countdown > 0 {
			continue
		}
		countdown = publishEvery
		if err := m.Publish(ctx); err != nil {
			m.logger.Warnw("failed to publish", "error", err)
		}
	}
}
