package audio

type StreamEventType int

const (
	StreamScheduled StreamEventType = iota
	StreamPlaying
	StreamAlmostDone
	StreamFinished
	StreamStopped
	StreamError
)

func (t StreamEventType) String() string {
	switch t {
	case StreamScheduled:
		return "SCHEDULED"
	case StreamPlaying:
		return "PLAYING"
	case StreamAlmostDone:
		return "ALMOST_DONE"
	case StreamFinished:
		return "FINISHED"
	case StreamStopped:
		return "STOPPED"
	case StreamError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StreamEvent reports a lifecycle change of the stream at URL.
type StreamEvent struct {
	Type StreamEventType
	URL  string
}

type PlaybackState int

const (
	PlaybackStopped PlaybackState = iota
	PlaybackPaused
	PlaybackPlaying
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackStopped:
		return "STOPPED"
	case PlaybackPaused:
		return "PAUSED"
	case PlaybackPlaying:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// Analyzer inspects every buffer once the output has consumed it.
type Analyzer interface {
	Analyze(buf *Buffer)
}
