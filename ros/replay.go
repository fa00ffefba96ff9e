package ros

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/mapping"
	"go.viam.com/occupancy/referenceframe"
)

// Default topic names of a recorded session.
const (
	TopicTF       = "/tf"
	TopicTFStatic = "/tf_static"
	TopicScan     = "/scan"
)

// ScanHandler consumes decoded laser scans.
type ScanHandler interface {
	HandleScan(ctx context.Context, scan mapping.LaserScan) error
}

// ReplayStats counts what a replay did.
type ReplayStats struct {
	Scans      int
	Dropped    int
	Transforms int
}

// Player feeds recorded messages to a frame system and a scan handler in record order.
type Player struct {
	ScanTopic string
	Frames    *referenceframe.FrameSystem
	Scans     ScanHandler
	Logger    logging.Logger
}

// Topics returns the topics the player consumes.
func (p *Player) Topics() []string {
	return []string{TopicTFStatic, TopicTF, p.ScanTopic}
}

// Play replays msgs. Scans whose pose cannot be resolved are counted as dropped; any other error
// stops the replay.
func (p *Player) Play(ctx context.Context, msgs []Message) (ReplayStats, error) {
	var stats ReplayStats
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		switch msg.Topic {
		case TopicTF, TopicTFStatic:
			transforms, err := TransformsFromMessage(msg.Data)
			if err != nil {
				return stats, errors.Wrapf(err, "message at %s on %s", msg.Time, msg.Topic)
			}
			for _, tf := range transforms {
				if msg.Topic == TopicTFStatic {
					err = p.Frames.SetStatic(tf.Child, tf.Parent, tf.Pose)
				} else {
					err = p.Frames.AddPose(tf.Child, tf.Parent, tf.Stamp, tf.Pose)
				}
				if err != nil {
					return stats, err
				}
				stats.Transforms++
			}
		case p.ScanTopic:
			scan, err := LaserScanFromMessage(msg.Data)
			if err != nil {
				return stats, errors.Wrapf(err, "message at %s on %s", msg.Time, msg.Topic)
			}
			if err := p.Scans.HandleScan(ctx, scan); err != nil {
				if !errors.Is(err, referenceframe.ErrTransformUnavailable) {
					return stats, err
				}
				stats.Dropped++
				continue
			}
			stats.Scans++
		default:
			p.Logger.Debugw("skipping message", "topic", msg.Topic)
		}
	}
	return stats, nil
}
